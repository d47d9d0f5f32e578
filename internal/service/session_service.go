package service

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/transform"
)

// Layout is the content of a saved session: a view's gates in topological
// order and its channel transforms.
type Layout struct {
	Gates      []gating.Spec               `json:"gates"`
	Transforms map[string]transform.Params `json:"transforms"`
}

// SessionService saves and restores gating layouts.
type SessionService struct {
	ctrl  *controller.Controller
	store *cmpstore.Store
}

// NewSessionService creates a session service.
func NewSessionService(ctrl *controller.Controller, store *cmpstore.Store) *SessionService {
	return &SessionService{ctrl: ctrl, store: store}
}

// Snapshot captures the current layout of a view.
func (s *SessionService) Snapshot(view string) (Layout, error) {
	gates, err := s.ctrl.Gates(view)
	if err != nil {
		return Layout{}, err
	}
	cols, err := s.ctrl.Columns(view)
	if err != nil {
		return Layout{}, err
	}
	l := Layout{
		Gates:      make([]gating.Spec, 0, len(gates)),
		Transforms: make(map[string]transform.Params, len(cols)),
	}
	for _, g := range gates {
		l.Gates = append(l.Gates, gating.ToSpec(g))
	}
	for _, col := range cols {
		p, err := s.ctrl.Transform(view, col)
		if err != nil {
			return Layout{}, err
		}
		l.Transforms[col] = p
	}
	return l, nil
}

// Save stores the current layout of a view under name.
func (s *SessionService) Save(view, name string) (*cmpstore.Session, error) {
	l, err := s.Snapshot(view)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	sess := &cmpstore.Session{ID: uuid.NewString(), Name: name, View: view, Payload: payload}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	log.Printf("[Session] saved %q (%s view, %d gates)", name, view, len(l.Gates))
	return sess, nil
}

// Get loads a session and decodes its layout.
func (s *SessionService) Get(id string) (*cmpstore.Session, Layout, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, Layout{}, err
	}
	var l Layout
	if err := json.Unmarshal(sess.Payload, &l); err != nil {
		return nil, Layout{}, fmt.Errorf("failed to decode session %q: %w", id, err)
	}
	return sess, l, nil
}

// List returns the saved sessions without payloads.
func (s *SessionService) List() ([]*cmpstore.Session, error) {
	return s.store.ListSessions()
}

// Delete removes a session.
func (s *SessionService) Delete(id string) error {
	return s.store.DeleteSession(id)
}

// Apply replaces the gates and transforms of the session's view with the
// saved layout. Transforms on channels the view no longer has are skipped.
func (s *SessionService) Apply(id string) (*cmpstore.Session, error) {
	sess, l, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	view := sess.View

	current, err := s.ctrl.Gates(view)
	if err != nil {
		return nil, err
	}
	for _, g := range current {
		if g.Parent != gating.Root {
			continue
		}
		if _, _, err := s.ctrl.RemoveGate(view, g.Name, false); err != nil {
			return nil, fmt.Errorf("failed to clear gate %q: %w", g.Name, err)
		}
	}

	cols, err := s.ctrl.Columns(view)
	if err != nil {
		return nil, err
	}
	for _, col := range cols {
		p, ok := l.Transforms[col]
		if !ok {
			continue
		}
		if err := s.ctrl.SetTransform(view, col, p); err != nil {
			return nil, fmt.Errorf("failed to restore transform of %q: %w", col, err)
		}
	}

	for _, spec := range l.Gates {
		g, err := spec.Gate()
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", spec.Name, err)
		}
		if err := s.ctrl.AddGate(view, g); err != nil {
			return nil, fmt.Errorf("failed to restore gate %q: %w", spec.Name, err)
		}
	}
	log.Printf("[Session] applied %q to %s view", sess.Name, view)
	return sess, nil
}
