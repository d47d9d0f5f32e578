package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoHandler(ctx context.Context, command string, data json.RawMessage) (interface{}, error) {
	switch command {
	case "echo":
		var v map[string]int
		if err := Decode(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "ping":
		return nil, nil
	}
	return nil, errors.New("unknown command " + command)
}

func TestPipe_OneReplyPerCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, done := Pipe(ctx, echoHandler)
	defer conn.Close()

	reply, err := conn.Call("ping", nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !reply.OK() || reply.Message != "ping" {
		t.Fatalf("unexpected ping reply: %+v", reply)
	}

	reply, err = conn.Call("echo", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	var got map[string]int
	if err := reply.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["n"] != 7 {
		t.Fatalf("expected echoed n=7, got %v", got)
	}

	reply, err = conn.Call("bogus", nil)
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if reply.OK() || reply.Err() == nil {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	if !strings.Contains(reply.Message, "bogus") {
		t.Fatalf("expected message to name the command, got %q", reply.Message)
	}

	reply, err = conn.Call(CommandExit, nil)
	if err != nil || !reply.OK() {
		t.Fatalf("exit: reply=%+v err=%v", reply, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}

	if _, err := conn.Call("ping", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after exit, got %v", err)
	}
}

func TestServe_MalformedLine(t *testing.T) {
	in := strings.NewReader("not json\n{\"command\":\"ping\"}\n")
	var out strings.Builder
	if err := Serve(context.Background(), in, &out, echoHandler); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 replies, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], StatusError) {
		t.Fatalf("expected error reply for malformed line, got %s", lines[0])
	}
	if !strings.Contains(lines[1], StatusOK) {
		t.Fatalf("expected OK reply for ping, got %s", lines[1])
	}
}
