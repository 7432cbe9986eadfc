package orchestrator

import (
	"errors"
	"time"
)

// Config is fixed at construction.
type Config struct {
	// AnalysisTimeout is the deadline attached to each analysis request.
	AnalysisTimeout time.Duration
	// MaxContentBytes caps the extracted essay text.
	MaxContentBytes int
	// RedactContent scrubs the stored copy of each essay at load time, the
	// submitter's identity string included. Requests to the worker are
	// always scrubbed.
	RedactContent bool
	// SnapshotInterval is the number of committed events between checkpoints.
	SnapshotInterval int
	Clock            func() time.Time
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		AnalysisTimeout:  60 * time.Second,
		MaxContentBytes:  100 * 1024,
		RedactContent:    true,
		SnapshotInterval: 50,
		Clock:            time.Now,
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.AnalysisTimeout < 0 || c.MaxContentBytes < 0 || c.SnapshotInterval < 0 {
		return c, errors.New("orchestrator config values must not be negative")
	}
	if c.AnalysisTimeout == 0 {
		c.AnalysisTimeout = def.AnalysisTimeout
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = def.MaxContentBytes
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c, nil
}
