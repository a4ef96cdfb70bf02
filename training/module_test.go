package training

import (
	"math"
	"testing"
)

func testClassifier(t *testing.T) *FineTuneClassifier {
	t.Helper()
	m, err := NewFineTuneClassifier(ClassifierConfig{
		InputDim:    4,
		BackboneDim: 8,
		HiddenDim:   4,
		NumClasses:  3,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("NewFineTuneClassifier failed: %v", err)
	}
	return m
}

func testBatch(n, dim int) []float32 {
	x := make([]float32, n*dim)
	for i := range x {
		x[i] = 0.25 + 0.1*float32(i%7)
	}
	return x
}

func TestClassifierForwardShape(t *testing.T) {
	m := testClassifier(t)

	logits, err := m.Forward(testBatch(3, 4), 3)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(logits) != 3*3 {
		t.Errorf("Expected %d logits, got %d", 3*3, len(logits))
	}

	if _, err := m.Forward(testBatch(3, 4), 2); err == nil {
		t.Error("Expected error for input length mismatch")
	}
	if _, err := m.Forward(nil, 0); err == nil {
		t.Error("Expected error for zero batch size")
	}
}

func TestClassifierFrozenParametersGetNoGradient(t *testing.T) {
	m := testClassifier(t)
	m.Eval()

	logits, err := m.Forward(testBatch(2, 4), 2)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	criterion, _ := NewCrossEntropyLoss(0)
	_, grad, err := criterion.Forward(logits, []int32{0, 2}, 3)
	if err != nil {
		t.Fatalf("loss Forward failed: %v", err)
	}
	if err := m.Backward(grad, 2); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	var trainableNonZero bool
	for _, p := range m.Parameters() {
		nonZero := false
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
		if !p.RequiresGrad && nonZero {
			t.Errorf("Frozen parameter %q received a gradient", p.Name)
		}
		if p.RequiresGrad && nonZero {
			trainableNonZero = true
		}
	}
	if !trainableNonZero {
		t.Error("Expected at least one trainable parameter to receive a gradient")
	}
}

func TestClassifierGradientAccumulation(t *testing.T) {
	m := testClassifier(t)
	m.Eval() // dropout off so repeated passes are identical

	x := testBatch(2, 4)
	labels := []int32{1, 2}
	criterion, _ := NewCrossEntropyLoss(0)

	runPass := func() {
		logits, err := m.Forward(x, 2)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		_, grad, err := criterion.Forward(logits, labels, 3)
		if err != nil {
			t.Fatalf("loss Forward failed: %v", err)
		}
		if err := m.Backward(grad, 2); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	runPass()
	first := make(map[string][]float32)
	for _, p := range m.Parameters() {
		g := make([]float32, len(p.Grad))
		copy(g, p.Grad)
		first[p.Name] = g
	}

	runPass()
	for _, p := range m.Parameters() {
		for i, g := range p.Grad {
			want := 2 * first[p.Name][i]
			if math.Abs(float64(g-want)) > 1e-6 {
				t.Fatalf("Parameter %q[%d]: expected accumulated gradient %v, got %v", p.Name, i, want, g)
			}
		}
	}
}

func TestClassifierCloneIsIndependent(t *testing.T) {
	m := testClassifier(t)
	clone := m.Clone()

	original := m.Parameters()[0].Data[0]
	clone.Parameters()[0].Data[0] = original + 100

	if m.Parameters()[0].Data[0] != original {
		t.Error("Mutating the clone changed the original model")
	}
}

func TestClassifierStateDictRoundTrip(t *testing.T) {
	m := testClassifier(t)
	state := m.StateDict()

	other := testClassifier(t)
	other.Parameters()[2].Data[0] += 5 // diverge before loading

	if err := other.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	for name, want := range state {
		got := other.StateDict()[name]
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Parameter %q[%d]: expected %v, got %v", name, i, want[i], got[i])
			}
		}
	}

	delete(state, "head.fc2.bias")
	if err := other.LoadStateDict(state); err == nil {
		t.Error("Expected error for missing parameter")
	}
}
