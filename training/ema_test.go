package training

import (
	"math"
	"testing"
)

func TestEMADecayAnneal(t *testing.T) {
	m := testClassifier(t)
	tracker, err := NewEMATracker(m, 0.999, 0.995, 4)
	if err != nil {
		t.Fatalf("NewEMATracker failed: %v", err)
	}

	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.999},
		{2, 0.997},
		{4, 0.995},
		{10, 0.995}, // clamped past the anneal horizon
	}
	for _, tt := range tests {
		if got := tracker.Decay(tt.epoch); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Decay(%d): expected %v, got %v", tt.epoch, tt.want, got)
		}
	}

	for epoch := 0; epoch < 10; epoch++ {
		if tracker.Decay(epoch+1) > tracker.Decay(epoch) {
			t.Errorf("Decay increased from epoch %d to %d", epoch, epoch+1)
		}
	}
}

func TestEMAUpdateBlendsParameters(t *testing.T) {
	m := testClassifier(t)
	tracker, err := NewEMATracker(m, 0.9, 0.5, 10)
	if err != nil {
		t.Fatalf("NewEMATracker failed: %v", err)
	}

	live := m.Parameters()[2] // backbone.block.weight
	original := live.Data[0]
	live.Data[0] = original + 1.0

	if err := tracker.Update(m, 0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var shadow *Parameter
	for _, p := range tracker.Model().Parameters() {
		if p.Name == live.Name {
			shadow = p
			break
		}
	}
	if shadow == nil {
		t.Fatalf("Shadow parameter %q not found", live.Name)
	}

	// shadow = original*0.9 + (original+1)*0.1 = original + 0.1
	want := original + 0.1
	if math.Abs(shadow.Data[0]-want) > 1e-12 {
		t.Errorf("Expected shadow value %v, got %v", want, shadow.Data[0])
	}

	// The live model itself must be untouched.
	if live.Data[0] != original+1.0 {
		t.Errorf("Update mutated the live model: %v", live.Data[0])
	}
}

func TestEMAShadowStartsInEvalMode(t *testing.T) {
	m := testClassifier(t)
	m.Train()
	tracker, err := NewEMATracker(m, 0.999, 0.995, 10)
	if err != nil {
		t.Fatalf("NewEMATracker failed: %v", err)
	}
	if tracker.Model().IsTraining() {
		t.Error("Expected the shadow model to be in eval mode")
	}
}

func TestEMAParameterMismatch(t *testing.T) {
	m := testClassifier(t)
	tracker, err := NewEMATracker(m, 0.999, 0.995, 10)
	if err != nil {
		t.Fatalf("NewEMATracker failed: %v", err)
	}

	other, err := NewFineTuneClassifier(ClassifierConfig{
		InputDim:    4,
		BackboneDim: 8,
		HiddenDim:   4,
		NumClasses:  5, // different head width
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("NewFineTuneClassifier failed: %v", err)
	}
	if err := tracker.Update(other, 0); err == nil {
		t.Error("Expected error for a mismatched parameter set")
	}
}

func TestNewEMATrackerValidation(t *testing.T) {
	m := testClassifier(t)

	if _, err := NewEMATracker(m, 1.0, 0.5, 10); err == nil {
		t.Error("Expected error for initial decay of 1")
	}
	if _, err := NewEMATracker(m, 0.9, 0.95, 10); err == nil {
		t.Error("Expected error for min decay above initial decay")
	}
	if _, err := NewEMATracker(m, 0.9, 0.5, 0); err == nil {
		t.Error("Expected error for zero total epochs")
	}

	for _, p := range m.Parameters() {
		p.RequiresGrad = false
	}
	if _, err := NewEMATracker(m, 0.9, 0.5, 10); err == nil {
		t.Error("Expected error for a model with no trainable parameters")
	}
}
