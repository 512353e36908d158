package uploadq

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skydrive/uploadq/internal/session"
	"github.com/skydrive/uploadq/uploadtypes"
)

// FileConfig is the queue configuration loaded from a YAML file. It covers
// the knobs an operator tunes; transports, stores, and listers are wired in
// code.
type FileConfig struct {
	Concurrency     int    `yaml:"concurrency"`
	SpeedMode       string `yaml:"speedMode"`
	OverwriteAll    bool   `yaml:"overwriteAll"`
	SpeedWindow     string `yaml:"speedWindow,omitempty"`
	CheckpointEvery string `yaml:"checkpointEvery,omitempty"`
	SessionPath     string `yaml:"sessionPath,omitempty"`
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Concurrency: DefaultConcurrency,
		SpeedMode:   string(uploadtypes.SpeedInstant),
	}
}

// LoadConfig reads a YAML config file. A missing file yields the defaults;
// a malformed one is an error.
func LoadConfig(path string) (FileConfig, error) {
	cfg := defaultFileConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Options converts the file values into queue options. Unset or invalid
// values fall back to the defaults applied by New.
func (c FileConfig) Options() ([]uploadtypes.Option, error) {
	var opts []uploadtypes.Option
	if c.Concurrency > 0 {
		opts = append(opts, WithConcurrency(c.Concurrency))
	}
	if c.SpeedMode != "" {
		mode := uploadtypes.SpeedMode(c.SpeedMode)
		if !mode.Valid() {
			return nil, fmt.Errorf("invalid speedMode %q", c.SpeedMode)
		}
		opts = append(opts, WithSpeedMode(mode))
	}
	if c.OverwriteAll {
		opts = append(opts, WithOverwriteAll(true))
	}
	if c.SpeedWindow != "" {
		d, err := time.ParseDuration(c.SpeedWindow)
		if err != nil {
			return nil, fmt.Errorf("invalid speedWindow: %w", err)
		}
		opts = append(opts, WithSpeedWindow(d))
	}
	if c.CheckpointEvery != "" {
		d, err := time.ParseDuration(c.CheckpointEvery)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpointEvery: %w", err)
		}
		opts = append(opts, WithCheckpointEvery(d))
	}
	if c.SessionPath != "" {
		store, err := session.NewFileStore(c.SessionPath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		opts = append(opts, WithSessionStore(store))
	}
	return opts, nil
}

// NewFileSessionStore opens a JSON-backed session store at path for callers
// wiring persistence without the YAML config.
func NewFileSessionStore(path string) (uploadtypes.SessionStore, error) {
	return session.NewFileStore(path)
}
