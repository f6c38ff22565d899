// internal/worker/strategy.go
package worker

import (
	"fmt"
	"math"
	"time"

	"instrument-service/internal/model"
)

// Step is one unit of measurement work: commands to issue before the
// reading, and the delay to wait after it.
type Step struct {
	Commands []model.Command
	Delay    time.Duration
}

// Strategy derives the next measurement step from the previous sample.
// A strategy either returns a step or reports done; it never blocks.
type Strategy interface {
	// Next returns the next step, or done=true when the run is
	// complete. prev is nil on the first step.
	Next(prev *model.MeasurementSample) (step Step, done bool)

	// Reset rewinds the strategy so the same instance can be
	// started again.
	Reset()

	Name() string
}

// Continuous samples at a fixed interval and never terminates on its
// own; only stop() ends the run.
type Continuous struct {
	Interval time.Duration
}

// NewContinuous creates a fixed-interval strategy.
func NewContinuous(interval time.Duration) *Continuous {
	if interval <= 0 {
		interval = time.Second
	}
	return &Continuous{Interval: interval}
}

func (c *Continuous) Next(prev *model.MeasurementSample) (Step, bool) {
	return Step{Delay: c.Interval}, false
}

func (c *Continuous) Reset()       {}
func (c *Continuous) Name() string { return "continuous" }

// Sweep steps the source voltage from Start to Stop by StepSize,
// taking one sample per setpoint. CurrentLimit rides along as the
// compliance limit on every setpoint.
type Sweep struct {
	Start        float64
	Stop         float64
	StepSize     float64
	CurrentLimit float64
	Delay        time.Duration

	index int
}

// NewSweep creates a voltage sweep strategy.
func NewSweep(start, stop, stepSize, currentLimit float64, delay time.Duration) (*Sweep, error) {
	if stepSize == 0 {
		return nil, fmt.Errorf("sweep step size must be non-zero")
	}
	if (stop-start)*stepSize < 0 {
		return nil, fmt.Errorf("sweep step %g points away from stop %g", stepSize, stop)
	}
	return &Sweep{
		Start:        start,
		Stop:         stop,
		StepSize:     stepSize,
		CurrentLimit: currentLimit,
		Delay:        delay,
	}, nil
}

func (s *Sweep) Next(prev *model.MeasurementSample) (Step, bool) {
	value := s.Start + float64(s.index)*s.StepSize

	// Tolerance absorbs float accumulation so the final setpoint is
	// never skipped.
	const eps = 1e-9
	if s.StepSize > 0 && value > s.Stop+eps {
		return Step{}, true
	}
	if s.StepSize < 0 && value < s.Stop-eps {
		return Step{}, true
	}

	s.index++
	return Step{
		Commands: []model.Command{{
			Type:  model.CommandSetVoltage,
			Value: math.Round(value*1e6) / 1e6,
			Limit: s.CurrentLimit,
		}},
		Delay: s.Delay,
	}, false
}

func (s *Sweep) Reset()       { s.index = 0 }
func (s *Sweep) Name() string { return "sweep" }

// SingleShot takes a fixed number of readings and stops.
type SingleShot struct {
	Count    int
	Interval time.Duration

	taken int
}

// NewSingleShot creates a strategy that takes count readings.
func NewSingleShot(count int, interval time.Duration) *SingleShot {
	if count <= 0 {
		count = 1
	}
	return &SingleShot{Count: count, Interval: interval}
}

func (s *SingleShot) Next(prev *model.MeasurementSample) (Step, bool) {
	if s.taken >= s.Count {
		return Step{}, true
	}
	s.taken++
	return Step{Delay: s.Interval}, false
}

func (s *SingleShot) Reset()       { s.taken = 0 }
func (s *SingleShot) Name() string { return "single_shot" }

// StrategySpec is the wire-level description of a strategy.
type StrategySpec struct {
	Kind         string        `json:"kind"`
	Interval     time.Duration `json:"interval,omitempty"`
	Start        float64       `json:"start,omitempty"`
	Stop         float64       `json:"stop,omitempty"`
	StepSize     float64       `json:"step_size,omitempty"`
	CurrentLimit float64       `json:"current_limit,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Count        int           `json:"count,omitempty"`
}

// BuildStrategy constructs a strategy from its spec.
func BuildStrategy(spec StrategySpec) (Strategy, error) {
	switch spec.Kind {
	case "continuous":
		return NewContinuous(spec.Interval), nil
	case "sweep":
		return NewSweep(spec.Start, spec.Stop, spec.StepSize, spec.CurrentLimit, spec.Delay)
	case "single_shot":
		return NewSingleShot(spec.Count, spec.Interval), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", spec.Kind)
	}
}
