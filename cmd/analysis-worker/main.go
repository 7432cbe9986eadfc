package main

// The analysis worker runs inside the isolation boundary. It is launched by
// the API process with a session key in its environment and speaks signed
// frames on stdin/stdout. It opens no network connections and writes no files.

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"marking-backend/internal/analysis"
	"marking-backend/internal/analysis/worker"
	"marking-backend/internal/shared/telemetry"
)

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	// stdout carries frames, so logs go to stderr.
	telemetry.SetOutput(os.Stderr, level, false)

	key, err := sessionKey(os.Getenv, os.Unsetenv)
	if err != nil {
		telemetry.Error("worker.start_failed", map[string]any{"error": err.Error()})
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Info("worker.started", map[string]any{"pid": os.Getpid()})
	if err := worker.Serve(ctx, os.Stdin, os.Stdout, key, worker.NewHeuristic()); err != nil && !errors.Is(err, context.Canceled) {
		telemetry.Error("worker.stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	telemetry.Info("worker.stopped", nil)
}

// sessionKey reads the channel key and removes it from the environment so the
// engine never sees it.
func sessionKey(getenv func(string) string, unsetenv func(string) error) ([]byte, error) {
	raw := strings.TrimSpace(getenv(analysis.SessionKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", analysis.SessionKeyEnv)
	}
	_ = unsetenv(analysis.SessionKeyEnv)
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", analysis.SessionKeyEnv, err)
	}
	if len(key) != analysis.SessionKeySize {
		return nil, fmt.Errorf("%s must be %d bytes", analysis.SessionKeyEnv, analysis.SessionKeySize)
	}
	return key, nil
}
