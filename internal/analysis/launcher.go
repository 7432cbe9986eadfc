package analysis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"marking-backend/internal/shared/telemetry"
)

// Launcher starts a fresh worker instance.
type Launcher interface {
	Launch(ctx context.Context) (*Client, error)
}

// NewSessionKey draws a channel key for one instance.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return key, nil
}

// ProcessLauncher runs the worker as a child process speaking frames on its
// stdin and stdout. Command may be a sandbox wrapper that in turn execs the
// worker binary with networking and writable storage removed.
type ProcessLauncher struct {
	Command string
	Args    []string
	// Env is the complete environment of the child; the parent environment is
	// not inherited.
	Env           []string
	Stderr        io.Writer
	MaxFrameBytes int
	// GracePeriod bounds the wait for a clean exit after a shutdown frame.
	GracePeriod time.Duration
}

// Launch starts one process.
func (l ProcessLauncher) Launch(ctx context.Context) (*Client, error) {
	if l.Command == "" {
		return nil, errors.New("worker command is not configured")
	}
	key, err := NewSessionKey()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Command, l.Args...)
	cmd.Env = append(append([]string(nil), l.Env...), SessionKeyEnv+"="+hex.EncodeToString(key))
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	telemetry.Debug("analysis.worker_started", map[string]any{"pid": pid})

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	grace := l.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	stop := func(graceful bool) error {
		_ = stdin.Close()
		if graceful {
			select {
			case <-exited:
				return nil
			case <-time.After(grace):
			}
		}
		_ = cmd.Process.Kill()
		<-exited
		telemetry.Debug("analysis.worker_stopped", map[string]any{"pid": pid, "graceful": graceful})
		return nil
	}
	return NewClient(stdout, stdin, key, l.MaxFrameBytes, stop), nil
}

// ServeFunc runs a worker loop over a reader and writer.
type ServeFunc func(ctx context.Context, r io.Reader, w io.Writer, key []byte) error

// PipeLauncher runs the worker loop in a goroutine connected by io.Pipe. The
// worker still only sees frames; it shares no state with the caller.
type PipeLauncher struct {
	Serve         ServeFunc
	MaxFrameBytes int
}

// Launch starts one in-process instance.
func (l PipeLauncher) Launch(ctx context.Context) (*Client, error) {
	if l.Serve == nil {
		return nil, errors.New("serve function is not configured")
	}
	key, err := NewSessionKey()
	if err != nil {
		return nil, err
	}
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := l.Serve(serveCtx, toWorkerR, fromWorkerW, append([]byte(nil), key...))
		_ = fromWorkerW.CloseWithError(err)
		_ = toWorkerR.Close()
	}()

	stop := func(graceful bool) error {
		_ = toWorkerW.Close()
		if graceful {
			<-done
		}
		cancel()
		_ = fromWorkerR.Close()
		return nil
	}
	return NewClient(fromWorkerR, toWorkerW, key, l.MaxFrameBytes, stop), nil
}
