package recordsync

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MutationMode is the confirmation strategy of a write.
type MutationMode string

const (
	// Pessimistic waits for the provider before anything changes on screen.
	Pessimistic MutationMode = "pessimistic"
	// Optimistic shows the change immediately and writes in the background.
	Optimistic MutationMode = "optimistic"
	// Undoable shows the change immediately and defers the write behind a cancellable timer.
	Undoable MutationMode = "undoable"
)

// Defaults used by DefaultConfig.
const (
	DefaultUndoDelay   = 5 * time.Second
	DefaultGCTime      = 5 * time.Minute
	DefaultMaxInactive = 1000
	DefaultBatchWindow = time.Millisecond
)

// Config holds configuration for a Client. Zero durations are meaningful:
// UndoDelay 0 commits undoable writes right away and StaleTime 0 treats every
// answer as stale on the next subscription. GCTime 0 keeps inactive entries
// until MaxInactive pushes them out. MaxInactive 0 means DefaultMaxInactive,
// so the inactive set is always bounded.
type Config struct {
	MutationMode    MutationMode  `yaml:"mutation_mode" validate:"omitempty,oneof=pessimistic optimistic undoable"`
	UndoDelay       time.Duration `yaml:"undo_delay" validate:"gte=0"`
	StaleTime       time.Duration `yaml:"stale_time" validate:"gte=0"`
	GCTime          time.Duration `yaml:"gc_time" validate:"gte=0"`
	MaxInactive     int           `yaml:"max_inactive" validate:"gte=0"`
	BatchWindow     time.Duration `yaml:"batch_window" validate:"gte=0"`
	DisableBatching bool          `yaml:"disable_batching"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gte=0"`

	Logger *zap.Logger  `yaml:"-" validate:"-"`
	Meter  metric.Meter `yaml:"-" validate:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MutationMode: Undoable,
		UndoDelay:    DefaultUndoDelay,
		GCTime:       DefaultGCTime,
		MaxInactive:  DefaultMaxInactive,
		BatchWindow:  DefaultBatchWindow,
	}
}

var configValidator = validator.New()

// Validate checks field ranges and the mutation mode.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return &ValidationError{Message: "invalid config", Fields: fields}
		}
		return fmt.Errorf("recordsync: validating config: %w", err)
	}
	return nil
}

func (c Config) withFallbacks() Config {
	if c.MutationMode == "" {
		c.MutationMode = Undoable
	}
	if c.MaxInactive == 0 {
		c.MaxInactive = DefaultMaxInactive
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// Durations use Go syntax ("3s", "250ms").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("recordsync: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("recordsync: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
