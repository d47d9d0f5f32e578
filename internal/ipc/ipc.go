// Package ipc implements the command/response protocol spoken over the pipes
// between the controller and its worker processes.
//
// Every message is one line of JSON: {"command": "...", "data": ...}. Every
// command receives exactly one reply {"status": "OK"|"ERROR", "message": "..."}
// before the next command may be sent.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sugawarayuuta/sonnet"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"

	// CommandExit ends a Serve loop after its reply is written.
	CommandExit = "exit"

	maxLine = 4 << 20
)

// ErrClosed is returned when the peer closed the pipe.
var ErrClosed = errors.New("command pipe closed")

// Message is a command sent to a worker.
type Message struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Reply is the single response to a Message.
type Reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the reply carries StatusOK.
func (r Reply) OK() bool { return r.Status == StatusOK }

// Err converts an error reply into an error value.
func (r Reply) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("worker error: %s", r.Message)
}

// Decode unmarshals the reply payload into v.
func (r Reply) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("reply has no data")
	}
	return sonnet.Unmarshal(r.Data, v)
}

// Handler processes one command and returns the data for an OK reply.
type Handler func(ctx context.Context, command string, data json.RawMessage) (interface{}, error)

// Client sends commands over a pipe. It allows one command in flight.
type Client struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Scanner
}

// NewClient wraps the writing and reading ends of a pipe.
func NewClient(w io.Writer, r io.Reader) *Client {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Client{w: w, r: sc}
}

// Call sends command with optional data and waits for its reply.
func (c *Client) Call(command string, data interface{}) (Reply, error) {
	msg := Message{Command: command}
	if data != nil {
		raw, err := sonnet.Marshal(data)
		if err != nil {
			return Reply{}, fmt.Errorf("failed to encode %s payload: %w", command, err)
		}
		msg.Data = raw
	}

	line, err := sonnet.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode %s: %w", command, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return Reply{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return Reply{}, ErrClosed
	}

	var reply Reply
	if err := sonnet.Unmarshal(c.r.Bytes(), &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply to %s: %w", command, err)
	}
	return reply, nil
}

// Serve reads commands from r, dispatches them to h and writes one reply per
// command to w. It returns nil after an exit command or when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	bw := bufio.NewWriter(w)

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msg Message
		var reply Reply
		if err := sonnet.Unmarshal(sc.Bytes(), &msg); err != nil {
			reply = Reply{Status: StatusError, Message: "malformed command: " + err.Error()}
		} else if msg.Command == CommandExit {
			reply = Reply{Status: StatusOK, Message: "bye"}
		} else {
			reply = dispatch(ctx, h, msg)
		}

		if err := writeReply(bw, reply); err != nil {
			return err
		}
		if msg.Command == CommandExit {
			return nil
		}
	}
	return sc.Err()
}

func dispatch(ctx context.Context, h Handler, msg Message) Reply {
	out, err := h(ctx, msg.Command, msg.Data)
	if err != nil {
		return Reply{Status: StatusError, Message: err.Error()}
	}
	reply := Reply{Status: StatusOK, Message: msg.Command}
	if out != nil {
		raw, err := sonnet.Marshal(out)
		if err != nil {
			return Reply{Status: StatusError, Message: "failed to encode reply: " + err.Error()}
		}
		reply.Data = raw
	}
	return reply
}

func writeReply(bw *bufio.Writer, reply Reply) error {
	line, err := sonnet.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if _, err := bw.Write(append(line, '\n')); err != nil {
		return err
	}
	return bw.Flush()
}

// Conn is the controller-side end of an in-process pipe pair.
type Conn struct {
	*Client
	closers []io.Closer
}

// Close closes both pipe directions.
func (c *Conn) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// Pipe connects a Client to a Serve loop running in a goroutine of this
// process. The returned channel yields Serve's result.
func Pipe(ctx context.Context, h Handler) (*Conn, <-chan error) {
	cmdR, cmdW := io.Pipe()
	replyR, replyW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := Serve(ctx, cmdR, replyW, h)
		replyW.CloseWithError(ErrClosed)
		cmdR.Close()
		done <- err
	}()

	return &Conn{
		Client:  NewClient(cmdW, replyR),
		closers: []io.Closer{cmdW, replyR},
	}, done
}

// Decode unmarshals a command payload.
func Decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("command has no data")
	}
	return sonnet.Unmarshal(data, v)
}
