package evaluator

import (
	"fmt"
	"strings"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

const (
	ConditionLow     = "Low threshold exceeded"
	ConditionPreLow  = "Pre-low threshold exceeded"
	ConditionHigh    = "High threshold exceeded"
	ConditionPreHigh = "Pre-high threshold exceeded"
	ConditionNormal  = "Within defined thresholds"
)

// Thresholds is the rule snapshot an evaluation runs against. A nil bound
// never matches its branch.
type Thresholds struct {
	Low     *float64
	PreLow  *float64
	PreHigh *float64
	High    *float64
}

func FromRule(r *model.AlarmRule) Thresholds {
	if r == nil {
		return Thresholds{}
	}
	return Thresholds{
		Low:     valuePtr(r.Low),
		PreLow:  valuePtr(r.PreLow),
		PreHigh: valuePtr(r.PreHigh),
		High:    valuePtr(r.High),
	}
}

func valuePtr(p *model.Property[float64]) *float64 {
	if p == nil {
		return nil
	}
	v := p.Value
	return &v
}

// Ordered reports whether the present bounds satisfy
// low < preLow <= preHigh < high.
func (t Thresholds) Ordered() bool {
	type bound struct {
		v      *float64
		strict bool // strictly greater than the previous present bound
	}
	seq := []bound{{t.Low, false}, {t.PreLow, true}, {t.PreHigh, false}, {t.High, true}}
	var prev *float64
	prevIdx := -1
	for i, b := range seq {
		if b.v == nil {
			continue
		}
		if prev != nil {
			// any gap that spans a strict step must be strict
			strict := false
			for j := prevIdx + 1; j <= i; j++ {
				strict = strict || seq[j].strict
			}
			if *b.v < *prev || (strict && *b.v == *prev) {
				return false
			}
		}
		prev, prevIdx = b.v, i
	}
	return true
}

// Result is the outcome of one evaluation.
type Result struct {
	Status      string
	Description string
	Condition   string
	Threshold   *float64
	// Changed is set when Status differs from the previous alarm's status.
	Changed bool
	// NoOp is set for a within-range value with no open alarm to close.
	NoOp bool
}

// Evaluate maps a measurement on probe to an alarm state. The first matching
// branch wins: low, pre-low, high, pre-high, then within range.
func Evaluate(probe string, value float64, th Thresholds, previous *model.Alarm) Result {
	var r Result
	switch {
	case th.Low != nil && value < *th.Low:
		r = open(ConditionLow, fmt.Sprintf("Sensor value for probe %s is below low threshold", probe), th.Low)
	case th.PreLow != nil && value < *th.PreLow:
		r = open(ConditionPreLow, fmt.Sprintf("Sensor value for probe %s is below pre-low threshold", probe), th.PreLow)
	case th.High != nil && value > *th.High:
		r = open(ConditionHigh, fmt.Sprintf("Sensor value for probe %s is above high threshold", probe), th.High)
	case th.PreHigh != nil && value > *th.PreHigh:
		r = open(ConditionPreHigh, fmt.Sprintf("Sensor value for probe %s is above pre-high threshold", probe), th.PreHigh)
	default:
		r = Result{
			Status:      model.AlarmStatusClose,
			Description: fmt.Sprintf("Sensor value for probe %s is within the defined thresholds", probe),
			Condition:   ConditionNormal,
		}
	}

	prevStatus := ""
	if previous != nil {
		prevStatus = model.ValueOf(previous.Status)
	}
	r.Changed = !strings.EqualFold(prevStatus, r.Status)
	r.NoOp = r.Status == model.AlarmStatusClose && (previous == nil || !previous.IsOpen())
	return r
}

func open(condition, description string, threshold *float64) Result {
	v := *threshold
	return Result{
		Status:      model.AlarmStatusOpen,
		Description: description,
		Condition:   condition,
		Threshold:   &v,
	}
}
