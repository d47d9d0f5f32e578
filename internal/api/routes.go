// Package api provides HTTP handlers for the SpectraFlow server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/controller"
	"github.com/spectraflow/server/internal/data/sample"
	"github.com/spectraflow/server/internal/gating"
	"github.com/spectraflow/server/internal/service"
	"github.com/spectraflow/server/internal/transform"
	"github.com/spectraflow/server/internal/unmix"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Controller  *controller.Controller
	Registry    *SampleRegistry
	Plots       *service.PlotService
	Sessions    *service.SessionService
	JobManager  *JobManager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Cache"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	ctrl := cfg.Controller
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler(ctrl, cfg.Registry))
		r.Get("/events", eventsHandler(ctrl.Bus()))

		r.Get("/acquisition", acquisitionStatusHandler(ctrl))
		r.Post("/acquisition/start", acquisitionStartHandler(ctrl))
		r.Post("/acquisition/stop", acquisitionStopHandler(ctrl))

		r.Get("/mode", modeHandler(ctrl))
		r.Put("/mode", setModeHandler(ctrl))

		r.Get("/unmixing", unmixingHandler(ctrl))
		r.Put("/unmixing", setUnmixingHandler(ctrl))

		r.Get("/samples", samplesHandler(cfg.Registry))
		r.Post("/samples", saveSampleHandler(ctrl))
		r.Post("/samples/{name}/load", loadSampleHandler(ctrl))

		r.Get("/views", viewsHandler(ctrl))
		r.Route("/views/{view}", func(r chi.Router) {
			r.Use(viewMiddleware(ctrl))

			r.Get("/columns", columnsHandler(ctrl))
			r.Get("/statistics", statisticsHandler(ctrl))
			r.Get("/references", referencesHandler(ctrl))
			r.Get("/histogram", histogramHandler(ctrl))
			r.Get("/plot.png", plotHandler(cfg.Plots))
			r.Get("/points", pointsHandler(cfg.Plots))

			r.Get("/gates", gatesHandler(ctrl))
			r.Post("/gates", addGateHandler(ctrl))
			r.Get("/gates/{name}", gateHandler(ctrl))
			r.Put("/gates/{name}", updateGateHandler(ctrl))
			r.Delete("/gates/{name}", removeGateHandler(ctrl))
			r.Post("/gates/{name}/rename", renameGateHandler(ctrl))

			r.Get("/transforms", transformsHandler(ctrl))
			r.Get("/transforms/{channel}", transformHandler(ctrl))
			r.Put("/transforms/{channel}", setTransformHandler(ctrl))

			r.Post("/sessions", saveSessionHandler(cfg.Sessions))
		})

		r.Get("/sessions", sessionsHandler(cfg.Sessions))
		r.Get("/sessions/{id}", sessionHandler(cfg.Sessions))
		r.Post("/sessions/{id}/apply", applySessionHandler(cfg.Sessions))
		r.Delete("/sessions/{id}", deleteSessionHandler(cfg.Sessions))

		r.Route("/comparisons", func(r chi.Router) {
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Post("/", jobSubmitHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager))
			r.Post("/{job_id}/cancel", jobCancelHandler(cfg.JobManager))
			r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
		})
	})

	return r
}

// Context key for the resolved view
type ctxKey string

const viewKey ctxKey = "view"

// viewMiddleware validates the {view} URL parameter.
func viewMiddleware(ctrl *controller.Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "view")
			if _, err := ctrl.Epoch(name); err != nil {
				http.Error(w, "view not found: "+name, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), viewKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getView(r *http.Request) string {
	if v, ok := r.Context().Value(viewKey).(string); ok {
		return v
	}
	return ""
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownView),
		errors.Is(err, gating.ErrUnknownGate),
		errors.Is(err, cmpstore.ErrNotFound),
		errors.Is(err, sample.ErrNotSample),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, gating.ErrDuplicateName),
		errors.Is(err, controller.ErrSampleExists),
		errors.Is(err, controller.ErrAcquiring),
		errors.Is(err, controller.ErrNotAcquiring):
		return http.StatusConflict
	case errors.Is(err, gating.ErrMissingParent),
		errors.Is(err, gating.ErrInvalidGeometry),
		errors.Is(err, gating.ErrAxisScope),
		errors.Is(err, controller.ErrConfigMismatch),
		errors.Is(err, controller.ErrInvalidName),
		errors.Is(err, controller.ErrUnknownMode),
		errors.Is(err, transform.ErrDomain),
		errors.Is(err, unmix.ErrShape),
		errors.Is(err, service.ErrEmptyGroup):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusCode(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if s := strings.TrimSpace(r.URL.Query().Get(key)); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

// Status and acquisition

func statusHandler(ctrl *controller.Controller, registry *SampleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		title := "SpectraFlow"
		if registry != nil {
			title = registry.Title()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":       title,
			"mode":        ctrl.Mode(),
			"views":       ctrl.Views(),
			"acquisition": ctrl.AcquisitionStatus(),
			"subscribers": ctrl.Bus().Subscribers(),
		})
	}
}

func acquisitionStatusHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.AcquisitionStatus())
	}
}

func acquisitionStartHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The acquisition outlives the request.
		id, err := ctrl.StartAcquisition(context.WithoutCancel(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"acquisition_id": id,
			"acquiring":      true,
		})
	}
}

func acquisitionStopHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.StopAcquisition(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.AcquisitionStatus())
	}
}

func modeHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := ctrl.Mode()
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": m, "view": m.View()})
	}
}

func setModeHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode controller.Mode `json:"mode"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := ctrl.SetMode(req.Mode); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": req.Mode, "view": req.Mode.View()})
	}
}

type unmixingBody struct {
	Detectors    []string    `json:"detectors"`
	Fluorophores []string    `json:"fluorophores"`
	Coefficients [][]float64 `json:"coefficients,omitempty"`
	// Spectra are reference emission spectra, one row per fluorophore over
	// the detectors; used instead of Coefficients when present.
	Spectra [][]float64 `json:"spectra,omitempty"`
}

func unmixingHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := ctrl.Unmixing()
		writeJSON(w, http.StatusOK, unmixingBody{
			Detectors:    m.Detectors,
			Fluorophores: m.Fluorophores,
			Coefficients: m.Coefficients(),
		})
	}
}

func setUnmixingHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unmixingBody
		if !decodeBody(w, r, &req) {
			return
		}
		var (
			m   *unmix.Matrix
			err error
		)
		if len(req.Spectra) > 0 {
			m, err = unmix.FromSpectra(req.Detectors, req.Fluorophores, req.Spectra)
		} else {
			m, err = unmix.New(req.Detectors, req.Fluorophores, req.Coefficients)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if err := ctrl.SetUnmixing(m); err != nil {
			writeError(w, err)
			return
		}
		cols, _ := ctrl.Columns(controller.ViewUnmixed)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"fluorophores": m.Fluorophores,
			"columns":      cols,
		})
	}
}

// Samples

func samplesHandler(registry *SampleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples, err := registry.Samples()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dir":     registry.Dir(),
			"samples": samples,
		})
	}
}

func saveSampleHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string            `json:"name"`
			Tags map[string]string `json:"tags"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		meta, err := ctrl.SaveSample(strings.TrimSpace(req.Name), req.Tags)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sampleInfo(meta))
	}
}

func loadSampleHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := ctrl.SamplePath(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		meta, err := ctrl.LoadSample(path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sampleInfo(meta))
	}
}

// Views

func viewsHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type viewInfo struct {
			Name    string   `json:"name"`
			Columns []string `json:"columns"`
			Gates   int      `json:"gates"`
			Epoch   uint64   `json:"epoch"`
		}
		var out []viewInfo
		for _, name := range ctrl.Views() {
			cols, _ := ctrl.Columns(name)
			gates, _ := ctrl.Gates(name)
			epoch, _ := ctrl.Epoch(name)
			out = append(out, viewInfo{Name: name, Columns: cols, Gates: len(gates), Epoch: epoch})
		}
		n, source := ctrl.Events()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"views":  out,
			"events": n,
			"source": source,
		})
	}
}

func columnsHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cols, err := ctrl.Columns(getView(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"columns": cols})
	}
}

func statisticsHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := getView(r)
		res, err := ctrl.Statistics(view)
		if err != nil {
			writeError(w, err)
			return
		}
		n, source := ctrl.Events()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"view":   view,
			"events": n,
			"source": source,
			"total":  res.Totals.Root,
			"gates":  res.Gates,
		})
	}
}

func referencesHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dangling, err := ctrl.CheckReferences(getView(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"dangling": dangling})
	}
}

func histogramHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("x")
		if channel == "" {
			http.Error(w, "missing required query param: x", http.StatusBadRequest)
			return
		}
		counts, sc, err := ctrl.Histogram1D(getView(r), channel, r.URL.Query().Get("gate"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channel":   channel,
			"transform": sc.Params(),
			"steps":     sc.Steps(),
			"counts":    counts,
		})
	}
}

func plotHandler(plots *service.PlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := service.PlotRequest{
			View:     getView(r),
			X:        q.Get("x"),
			Y:        q.Get("y"),
			Gate:     q.Get("gate"),
			Colormap: q.Get("colormap"),
			Size:     queryInt(r, "size", 0),
		}
		if req.X == "" {
			http.Error(w, "missing required query param: x", http.StatusBadRequest)
			return
		}
		if req.Size < 0 || req.Size > 4096 {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		data, cached, err := plots.Render(req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.Write(data)
	}
}

func pointsHandler(plots *service.PlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		x, y := q.Get("x"), q.Get("y")
		if x == "" || y == "" {
			http.Error(w, "missing required query params: x, y", http.StatusBadRequest)
			return
		}
		limit := queryInt(r, "limit", 5000)
		if limit <= 0 || limit > 100000 {
			limit = 100000
		}
		seed, _ := strconv.ParseInt(q.Get("seed"), 10, 64)
		res, err := plots.Points(getView(r), x, y, q.Get("gate"), limit, seed)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Gates

func gatesHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := getView(r)
		gates, err := ctrl.Gates(view)
		if err != nil {
			writeError(w, err)
			return
		}
		keys, _ := ctrl.Keys(view)
		specs := make([]gating.Spec, 0, len(gates))
		for _, g := range gates {
			specs = append(specs, gating.ToSpec(g))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"gates": specs,
			"keys":  keys,
		})
	}
}

func gateHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := ctrl.Gate(getView(r), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, gating.ToSpec(g))
	}
}

func addGateHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec gating.Spec
		if !decodeBody(w, r, &spec) {
			return
		}
		g, err := spec.Gate()
		if err != nil {
			writeError(w, err)
			return
		}
		view := getView(r)
		if err := ctrl.AddGate(view, g); err != nil {
			writeError(w, err)
			return
		}
		added, err := ctrl.Gate(view, g.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, gating.ToSpec(added))
	}
}

func updateGateHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var spec gating.Spec
		if !decodeBody(w, r, &spec) {
			return
		}
		if spec.Name != "" && spec.Name != name {
			http.Error(w, "use the rename endpoint to change a gate's name", http.StatusBadRequest)
			return
		}
		spec.Name = name
		g, err := spec.Gate()
		if err != nil {
			writeError(w, err)
			return
		}
		view := getView(r)
		if err := ctrl.UpdateGate(view, name, g.Geometry); err != nil {
			writeError(w, err)
			return
		}
		updated, err := ctrl.Gate(view, name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, gating.ToSpec(updated))
	}
}

func removeGateHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keep, _ := strconv.ParseBool(r.URL.Query().Get("keep_children"))
		removed, dangling, err := ctrl.RemoveGate(getView(r), chi.URLParam(r, "name"), keep)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"removed":  removed,
			"dangling": dangling,
		})
	}
}

func renameGateHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		view := getView(r)
		dangling, err := ctrl.RenameGate(view, chi.URLParam(r, "name"), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		g, err := ctrl.Gate(view, req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"gate":     gating.ToSpec(g),
			"dangling": dangling,
		})
	}
}

// Transforms

func transformsHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := getView(r)
		cols, err := ctrl.Columns(view)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make(map[string]transform.Params, len(cols))
		for _, col := range cols {
			p, err := ctrl.Transform(view, col)
			if err != nil {
				writeError(w, err)
				return
			}
			out[col] = p
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transforms": out})
	}
}

func transformHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ctrl.Transform(getView(r), chi.URLParam(r, "channel"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func setTransformHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, channel := getView(r), chi.URLParam(r, "channel")
		current, err := ctrl.Transform(view, channel)
		if err != nil {
			writeError(w, err)
			return
		}
		// Fields absent from the body keep their current values.
		p := current
		if !decodeBody(w, r, &p) {
			return
		}
		if err := ctrl.SetTransform(view, channel, p); err != nil {
			writeError(w, err)
			return
		}
		p, err = ctrl.Transform(view, channel)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// Sessions

func saveSessionHandler(sessions *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessions == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		sess, err := sessions.Save(getView(r), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		sess.Payload = nil
		writeJSON(w, http.StatusCreated, sess)
	}
}

func sessionsHandler(sessions *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessions == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		list, err := sessions.List()
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []*cmpstore.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
	}
}

func sessionHandler(sessions *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessions == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		sess, layout, err := sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":         sess.ID,
			"name":       sess.Name,
			"view":       sess.View,
			"created_at": sess.CreatedAt,
			"layout":     layout,
		})
	}
}

func applySessionHandler(sessions *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessions == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		sess, err := sessions.Apply(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      sess.ID,
			"view":    sess.View,
			"applied": true,
		})
	}
}

func deleteSessionHandler(sessions *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessions == nil {
			http.Error(w, "sessions not configured", http.StatusNotImplemented)
			return
		}
		if err := sessions.Delete(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
