// internal/worker/strategy_test.go
package worker

import (
	"testing"
	"time"

	"instrument-service/internal/model"
)

func TestContinuousNeverTerminates(t *testing.T) {
	strategy := NewContinuous(100 * time.Millisecond)

	for i := 0; i < 50; i++ {
		step, done := strategy.Next(nil)
		if done {
			t.Fatalf("continuous strategy terminated at step %d", i)
		}
		if step.Delay != 100*time.Millisecond {
			t.Fatalf("unexpected delay: %s", step.Delay)
		}
		if len(step.Commands) != 0 {
			t.Fatalf("continuous step should not issue commands: %v", step.Commands)
		}
	}
}

func TestSweepWalksInclusiveBounds(t *testing.T) {
	strategy, err := NewSweep(0, 1.0, 0.25, 0.5, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSweep failed: %v", err)
	}

	var setpoints []float64
	for {
		step, done := strategy.Next(nil)
		if done {
			break
		}
		if len(step.Commands) != 1 {
			t.Fatalf("want exactly one command per step, got %v", step.Commands)
		}
		command := step.Commands[0]
		if command.Type != model.CommandSetVoltage {
			t.Fatalf("unexpected command type: %s", command.Type)
		}
		if command.Limit != 0.5 {
			t.Fatalf("current limit not carried: %v", command.Limit)
		}
		setpoints = append(setpoints, command.Value)
	}

	want := []float64{0, 0.25, 0.5, 0.75, 1.0}
	if len(setpoints) != len(want) {
		t.Fatalf("setpoints %v, want %v", setpoints, want)
	}
	for i := range want {
		if setpoints[i] != want[i] {
			t.Fatalf("setpoint %d: got %v, want %v", i, setpoints[i], want[i])
		}
	}
}

func TestSweepDescending(t *testing.T) {
	strategy, err := NewSweep(1.0, 0, -0.5, 0.1, 0)
	if err != nil {
		t.Fatalf("NewSweep failed: %v", err)
	}

	count := 0
	for {
		_, done := strategy.Next(nil)
		if done {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("descending sweep took %d steps, want 3", count)
	}
}

func TestSweepRejectsDivergentStep(t *testing.T) {
	if _, err := NewSweep(0, 1.0, -0.1, 0.5, 0); err == nil {
		t.Fatal("want error for step pointing away from stop")
	}
	if _, err := NewSweep(0, 1.0, 0, 0.5, 0); err == nil {
		t.Fatal("want error for zero step")
	}
}

func TestSweepResetRewinds(t *testing.T) {
	strategy, _ := NewSweep(0, 0.5, 0.5, 0.1, 0)

	for {
		if _, done := strategy.Next(nil); done {
			break
		}
	}
	strategy.Reset()

	step, done := strategy.Next(nil)
	if done {
		t.Fatal("reset strategy reported done immediately")
	}
	if step.Commands[0].Value != 0 {
		t.Fatalf("reset strategy did not restart at beginning: %v", step.Commands[0].Value)
	}
}

func TestSingleShotCount(t *testing.T) {
	strategy := NewSingleShot(3, 0)

	count := 0
	for {
		_, done := strategy.Next(nil)
		if done {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("took %d readings, want 3", count)
	}

	strategy.Reset()
	if _, done := strategy.Next(nil); done {
		t.Fatal("reset single-shot reported done immediately")
	}
}
