// Package uploadq provides functional options for configuring queue behavior.
package uploadq

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/skydrive/uploadq/uploadtypes"
)

// WithTransport sets the backend transport the workers execute against.
// Required.
func WithTransport(t uploadtypes.Transport) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		cfg.Transport = t
	}
}

// WithSessionStore sets the store that persists resumable offsets across
// restarts. Defaults to an in-memory store.
func WithSessionStore(s uploadtypes.SessionStore) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		cfg.SessionStore = s
	}
}

// WithLister sets the destination-listing service the conflict resolver
// queries for name collisions. Without one, collisions are only reported
// by the backend itself.
func WithLister(l uploadtypes.Lister) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		cfg.Lister = l
	}
}

// WithConcurrency sets the worker slot count.
func WithConcurrency(n int) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		if n > 0 {
			cfg.Concurrency = n
		}
	}
}

// WithSpeedMode sets which throughput figure snapshots surface.
func WithSpeedMode(mode uploadtypes.SpeedMode) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		if mode.Valid() {
			cfg.SpeedMode = mode
		}
	}
}

// WithOverwriteAll sets the default conflict policy for new collisions.
func WithOverwriteAll(v bool) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		cfg.GlobalOverwrite = v
	}
}

// WithSpeedWindow sets the trailing window for instant-speed sampling.
func WithSpeedWindow(d time.Duration) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		if d > 0 {
			cfg.SpeedWindow = d
		}
	}
}

// WithCheckpointEvery sets the minimum interval between session-record
// writes during a transfer. Suspension paths always flush regardless.
func WithCheckpointEvery(d time.Duration) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		if d > 0 {
			cfg.CheckpointEvery = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) uploadtypes.Option {
	return func(cfg *uploadtypes.QueueConfig) {
		cfg.Logger = logger
	}
}
