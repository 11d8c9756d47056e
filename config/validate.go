package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the loaded configuration before any component starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return invalid("database dsn required")
	}
	if err := c.Chain.Validate(); err != nil {
		return invalid("%v", err)
	}
	if err := c.Eon.Validate(); err != nil {
		return invalid("eon: %v", err)
	}
	if c.Eon.ConfirmationBlocks >= c.Eon.BlocksPerEon {
		return invalid("eon: confirmation blocks must be shorter than an eon")
	}
	for task, spec := range c.Schedule.Specs() {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return invalid("schedule %s %q: %v", task, spec, err)
		}
	}
	if c.Schedule.MaxAttempts < 0 {
		return invalid("schedule: max attempts must not be negative")
	}
	if c.Notify.URL != "" && strings.TrimSpace(c.Notify.Secret) == "" {
		return invalid("notify: webhook secret required")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry: sample ratio %v outside [0,1]", c.Telemetry.SampleRatio)
	}
	return nil
}
