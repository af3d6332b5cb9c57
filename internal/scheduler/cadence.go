package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"crypto-stats-worker/internal/config"
)

const cadenceField = "scheduler.cadence"

// ParseCadence accepts a Go duration ("15m"), a descriptor ("@every 15m", "@hourly")
// or a standard five-field cron expression.
func ParseCadence(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &config.ConfigError{Field: cadenceField, Reason: "must be set"}
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, &config.ConfigError{Field: cadenceField, Reason: "interval must be greater than zero"}
		}
		return interval(d), nil
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, &config.ConfigError{Field: cadenceField, Reason: "is not a valid duration or cron expression: " + err.Error()}
	}
	return schedule, nil
}

// interval fires every d from the reference time. Unlike cron.Every it keeps sub-second precision.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}
