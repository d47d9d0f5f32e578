package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/spectraflow/server/internal/analyser"
	"github.com/spectraflow/server/internal/config"
	"github.com/spectraflow/server/internal/instrument"
	"github.com/spectraflow/server/internal/ipc"
	"github.com/spectraflow/server/internal/shmring"
)

// Worker roles.
const (
	RoleInstrument = "instrument"
	RoleAnalyser   = "analyser"
)

const exitPoll = 50 * time.Millisecond

// worker is the controller's handle on a producer or analyser, in this
// process or a child process.
type worker struct {
	role   string
	client *ipc.Client
	done   chan error
	closer io.Closer
	cmd    *exec.Cmd
}

func (w *worker) call(command string, data interface{}) (ipc.Reply, error) {
	reply, err := w.client.Call(command, data)
	if err != nil {
		return reply, fmt.Errorf("%s %s: %w", w.role, command, err)
	}
	if err := reply.Err(); err != nil {
		return reply, fmt.Errorf("%s %s: %w", w.role, command, err)
	}
	return reply, nil
}

// shutdown sends exit and waits up to timeout for the worker to end,
// re-checking periodically. A child process that outlives the wait is killed.
func (w *worker) shutdown(timeout time.Duration) error {
	if _, err := w.client.Call(ipc.CommandExit, nil); err != nil && !errors.Is(err, ipc.ErrClosed) {
		log.Printf("[Controller] %s exit: %v", w.role, err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(exitPoll)
	defer ticker.Stop()
	for {
		select {
		case err := <-w.done:
			if w.closer != nil {
				w.closer.Close()
			}
			return err
		case <-ticker.C:
			if time.Now().Before(deadline) {
				continue
			}
			if w.cmd != nil && w.cmd.Process != nil {
				log.Printf("[Controller] %s did not exit within %v, killing", w.role, timeout)
				w.cmd.Process.Kill()
				err := <-w.done
				return fmt.Errorf("%s killed after timeout: %v", w.role, err)
			}
			return fmt.Errorf("%s did not exit within %v", w.role, timeout)
		}
	}
}

// startInProcess serves h over an in-memory pipe.
func startInProcess(ctx context.Context, role string, h ipc.Handler) *worker {
	conn, done := ipc.Pipe(ctx, h)
	wd := make(chan error, 1)
	go func() { wd <- <-done }()
	return &worker{role: role, client: conn.Client, done: wd, closer: conn}
}

// startSubprocess re-executes the binary in a worker role. The child speaks
// the command protocol on its stdin/stdout and logs to stderr.
func startSubprocess(exe, role, configPath, traces, events string) (*worker, error) {
	args := []string{"-role", role, "-traces", traces, "-events", events}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stdin: %w", role, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stdout: %w", role, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s process: %w", role, err)
	}
	log.Printf("[Controller] started %s process pid=%d", role, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return &worker{role: role, client: ipc.NewClient(stdin, stdout), done: done, closer: stdin, cmd: cmd}, nil
}

// Layout converts the channel configuration into the analyser layout.
func Layout(cfg config.Config) analyser.Layout {
	l := analyser.Layout{
		HardwareChannels: cfg.Acquisition.HardwareChannels,
		SamplesPerEvent:  cfg.Acquisition.SamplesPerEvent,
		SampleRate:       cfg.Acquisition.SampleRate,
	}
	for _, ch := range cfg.Channels {
		l.Channels = append(l.Channels, analyser.Channel{
			Name:     ch.Name,
			Hardware: ch.Hardware,
			Role:     analyser.Role(ch.Role),
		})
	}
	return l
}

func newHardware(cfg config.Config) instrument.Hardware {
	return instrument.NewDummyHardware(instrument.DummyConfig{
		HardwareChannels: cfg.Acquisition.HardwareChannels,
		SamplesPerEvent:  cfg.Acquisition.SamplesPerEvent,
		Seed:             time.Now().UnixNano(),
	})
}

// RunWorker is the main loop of a worker process: it attaches the shared
// rings, serves commands on r/w until exit, then stops and detaches.
func RunWorker(ctx context.Context, role string, cfg config.Config, tracesName, eventsName string, r io.Reader, w io.Writer) error {
	traces, err := shmring.Attach(tracesName)
	if err != nil {
		return err
	}
	defer traces.Close()

	switch role {
	case RoleInstrument:
		p := instrument.NewProducer(newHardware(cfg), traces, cfg.Acquisition.PollInterval())
		defer p.Stop()
		return ipc.Serve(ctx, r, w, p.Handler())

	case RoleAnalyser:
		events, err := shmring.Attach(eventsName)
		if err != nil {
			return err
		}
		defer events.Close()
		a, err := analyser.New(traces, events, Layout(cfg), cfg.Acquisition.AnalyseInterval())
		if err != nil {
			return err
		}
		defer a.Stop()
		return ipc.Serve(ctx, r, w, a.Handler())
	}
	return fmt.Errorf("unknown worker role %q", role)
}
