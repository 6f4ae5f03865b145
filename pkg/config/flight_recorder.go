package config

import (
	"errors"
	"fmt"
	"time"
)

// FlightRecorderConfig configures the runtime/trace flight recorder.
// The recorder keeps recent execution trace data in a ring buffer so that a
// snapshot can be captured when something interesting happens, typically a
// pool acquire that stalls. The presence of this config enables the recorder.
type FlightRecorderConfig struct {
	// OutputDir receives snapshot files. Default: current directory.
	OutputDir string `json:"output_dir,omitzero"`

	// MinAge is the minimum duration of trace data to retain in the ring
	// buffer. Default: "10s".
	MinAge Duration `json:"min_age,omitzero"`

	// MaxBytes bounds the ring buffer memory. Default: 8 MiB.
	MaxBytes int64 `json:"max_bytes,omitzero"`

	// OnAcquireStall captures a snapshot when a pool acquire waits at least
	// this long. Zero disables the trigger.
	OnAcquireStall Duration `json:"on_acquire_stall,omitzero"`

	// OnSignal captures a snapshot on SIGUSR1. Default true.
	OnSignal *bool `json:"on_signal,omitzero"`

	// Cooldown is the minimum gap between automatic snapshots. Signal and
	// manual snapshots bypass it. Default: "60s".
	Cooldown Duration `json:"cooldown,omitzero"`
}

func (c *FlightRecorderConfig) GetOutputDir() string {
	if c.OutputDir == "" {
		return "."
	}
	return c.OutputDir
}

func (c *FlightRecorderConfig) GetMinAge() time.Duration {
	if c.MinAge == 0 {
		return 10 * time.Second
	}
	return c.MinAge.Duration()
}

func (c *FlightRecorderConfig) GetMaxBytes() int64 {
	if c.MaxBytes == 0 {
		return 8 << 20
	}
	return c.MaxBytes
}

func (c *FlightRecorderConfig) GetOnSignal() bool {
	if c.OnSignal == nil {
		return true
	}
	return *c.OnSignal
}

func (c *FlightRecorderConfig) GetCooldown() time.Duration {
	if c.Cooldown == 0 {
		return time.Minute
	}
	return c.Cooldown.Duration()
}

// Validate validates the flight recorder configuration.
func (c *FlightRecorderConfig) Validate() error {
	var errs []error
	if c.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("max_bytes %d must not be negative", c.MaxBytes))
	}
	if c.MinAge < 0 {
		errs = append(errs, fmt.Errorf("min_age %s must not be negative", c.MinAge))
	}
	if c.OnAcquireStall < 0 {
		errs = append(errs, fmt.Errorf("on_acquire_stall %s must not be negative", c.OnAcquireStall))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown %s must not be negative", c.Cooldown))
	}
	return errors.Join(errs...)
}
