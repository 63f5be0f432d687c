package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

var ErrUnknownTimeUnit = errors.New("unknown time unit")

var timeUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour, "hur": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseTimeUnit maps a unit name to its duration, case-insensitively.
func ParseTimeUnit(unit string) (time.Duration, error) {
	d, ok := timeUnits[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeUnit, unit)
	}
	return d, nil
}

// Interval converts a rule property such as {value: 5, unit: "minutes"}.
// A nil property or a value of zero or less yields zero, disabling the policy.
func Interval(p *model.UnitProperty) (time.Duration, error) {
	if !p.Enabled() {
		return 0, nil
	}
	unit, err := ParseTimeUnit(p.UnitName())
	if err != nil {
		return 0, err
	}
	return time.Duration(p.Value) * unit, nil
}
