package training

import "testing"

func TestCheckpointPolicySequence(t *testing.T) {
	policy, err := NewCheckpointPolicy(3, 0)
	if err != nil {
		t.Fatalf("NewCheckpointPolicy failed: %v", err)
	}

	steps := []struct {
		liveAcc      float64
		wantSaveLive bool
		wantStop     bool
	}{
		{0.70, true, false},
		{0.72, true, false},
		{0.71, false, false},
		{0.71, false, false},
		{0.71, false, true}, // third flat composite epoch hits patience
	}
	for i, step := range steps {
		decision := policy.Check(step.liveAcc, 0, 0.5)
		if decision.SaveLive != step.wantSaveLive {
			t.Errorf("Step %d: SaveLive = %v, want %v", i+1, decision.SaveLive, step.wantSaveLive)
		}
		if decision.Stop != step.wantStop {
			t.Errorf("Step %d: Stop = %v, want %v", i+1, decision.Stop, step.wantStop)
		}
	}
	if policy.BestAccuracy() != 0.72 {
		t.Errorf("Expected best accuracy 0.72, got %v", policy.BestAccuracy())
	}
}

func TestCheckpointPolicySharedBest(t *testing.T) {
	policy, err := NewCheckpointPolicy(5, 0)
	if err != nil {
		t.Fatalf("NewCheckpointPolicy failed: %v", err)
	}

	// Both models improve past the shared record in the same epoch.
	decision := policy.Check(0.5, 0.6, 0.5)
	if !decision.SaveLive || !decision.SaveEMA {
		t.Errorf("Expected both saves, got live=%v ema=%v", decision.SaveLive, decision.SaveEMA)
	}
	if policy.BestAccuracy() != 0.6 {
		t.Errorf("Expected shared best 0.6, got %v", policy.BestAccuracy())
	}

	// A live improvement below the EMA-set record saves nothing: the
	// record is shared, not per-model.
	decision = policy.Check(0.55, 0.55, 0.5)
	if decision.SaveLive || decision.SaveEMA {
		t.Errorf("Expected no saves below the shared best, got live=%v ema=%v", decision.SaveLive, decision.SaveEMA)
	}
}

func TestCheckpointPolicyCompositeIndependence(t *testing.T) {
	policy, err := NewCheckpointPolicy(2, 0)
	if err != nil {
		t.Fatalf("NewCheckpointPolicy failed: %v", err)
	}

	// Accuracy stalls but the loss keeps improving, so the composite
	// metric keeps the run alive even with no snapshots being written.
	policy.Check(0.5, 0, 0.5)
	for i, loss := range []float64{0.4, 0.3, 0.2} {
		decision := policy.Check(0.5, 0, loss)
		if decision.Stop {
			t.Errorf("Step %d: unexpected early stop while the loss improves", i+2)
		}
		if decision.SaveLive {
			t.Errorf("Step %d: unexpected save with flat accuracy", i+2)
		}
	}
}

func TestNewCheckpointPolicyValidation(t *testing.T) {
	if _, err := NewCheckpointPolicy(0, 0); err == nil {
		t.Error("Expected error for zero patience")
	}
	if _, err := NewCheckpointPolicy(3, 1.5); err == nil {
		t.Error("Expected error for initial best above 1")
	}
}
