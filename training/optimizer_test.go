package training

import (
	"math"
	"testing"
)

func scalarParam(name string, value, grad float64, requiresGrad bool) *Parameter {
	return &Parameter{
		Name:         name,
		Group:        GroupHead,
		Data:         []float64{value},
		Grad:         []float32{float32(grad)},
		RequiresGrad: requiresGrad,
	}
}

func TestAdamWFirstStep(t *testing.T) {
	// On the first step mHat == vHat == g for any betas, so the update is
	// lr * g / (|g| + eps). With g = 1 that is very nearly lr.
	p := scalarParam("w", 1.0, 1.0, true)
	opt, err := NewAdamW([]*ParamGroup{{Name: GroupHead, Params: []*Parameter{p}, LR: 0.1}}, AdamWConfig{})
	if err != nil {
		t.Fatalf("NewAdamW failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(p.Data[0]-0.9) > 1e-6 {
		t.Errorf("Expected parameter 0.9 after step, got %v", p.Data[0])
	}
	if opt.StepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", opt.StepCount())
	}
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	p := scalarParam("w", 1.0, 1.0, true)
	opt, err := NewAdamW([]*ParamGroup{{Name: GroupHead, Params: []*Parameter{p}, LR: 0.1, WeightDecay: 0.5}}, AdamWConfig{})
	if err != nil {
		t.Fatalf("NewAdamW failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// Decay first: 1 - 0.1*0.5*1 = 0.95, then the Adam update of ~0.1.
	if math.Abs(p.Data[0]-0.85) > 1e-6 {
		t.Errorf("Expected parameter 0.85 after decayed step, got %v", p.Data[0])
	}
}

func TestAdamWSkipsFrozenParameters(t *testing.T) {
	frozen := scalarParam("frozen", 2.0, 1.0, false)
	trainable := scalarParam("w", 1.0, 1.0, true)
	opt, err := NewAdamW([]*ParamGroup{{
		Name:   GroupHead,
		Params: []*Parameter{frozen, trainable},
		LR:     0.1,
	}}, AdamWConfig{})
	if err != nil {
		t.Fatalf("NewAdamW failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if frozen.Data[0] != 2.0 {
		t.Errorf("Frozen parameter changed: %v", frozen.Data[0])
	}
	if trainable.Data[0] == 1.0 {
		t.Error("Trainable parameter did not change")
	}
}

func TestAdamWZeroGrad(t *testing.T) {
	p := scalarParam("w", 1.0, 3.0, true)
	opt, err := NewAdamW([]*ParamGroup{{Name: GroupHead, Params: []*Parameter{p}, LR: 0.1}}, AdamWConfig{})
	if err != nil {
		t.Fatalf("NewAdamW failed: %v", err)
	}
	opt.ZeroGrad()
	if p.Grad[0] != 0 {
		t.Errorf("Expected zero gradient, got %v", p.Grad[0])
	}
}

func TestNewAdamWValidation(t *testing.T) {
	if _, err := NewAdamW(nil, AdamWConfig{}); err == nil {
		t.Error("Expected error for empty groups")
	}
	frozen := scalarParam("frozen", 1.0, 0, false)
	if _, err := NewAdamW([]*ParamGroup{{Name: GroupHead, Params: []*Parameter{frozen}, LR: 0.1}}, AdamWConfig{}); err == nil {
		t.Error("Expected error when no parameter is trainable")
	}
	p := scalarParam("w", 1.0, 0, true)
	if _, err := NewAdamW([]*ParamGroup{{Name: GroupHead, Params: []*Parameter{p}, LR: -1}}, AdamWConfig{}); err == nil {
		t.Error("Expected error for negative learning rate")
	}
}

func TestClipGradNorm(t *testing.T) {
	p := &Parameter{
		Name:         "w",
		Data:         make([]float64, 2),
		Grad:         []float32{3, 4},
		RequiresGrad: true,
	}
	norm := ClipGradNorm([]*Parameter{p}, 2.5)
	if math.Abs(norm-5.0) > 1e-6 {
		t.Errorf("Expected pre-clip norm 5, got %v", norm)
	}
	if math.Abs(float64(p.Grad[0])-1.5) > 1e-6 || math.Abs(float64(p.Grad[1])-2.0) > 1e-6 {
		t.Errorf("Expected clipped gradients [1.5, 2.0], got %v", p.Grad)
	}

	// Below the ceiling nothing changes.
	norm = ClipGradNorm([]*Parameter{p}, 10)
	if math.Abs(norm-2.5) > 1e-6 {
		t.Errorf("Expected norm 2.5, got %v", norm)
	}
	if p.Grad[0] != 1.5 {
		t.Errorf("Gradient changed below the ceiling: %v", p.Grad[0])
	}
}

func TestOptimizerGroupsFor(t *testing.T) {
	m := testClassifier(t)
	groups := OptimizerGroupsFor(m)
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	if groups[0].Name != GroupBackbone || groups[0].LR != 2e-5 || groups[0].WeightDecay != 0.001 {
		t.Errorf("Unexpected backbone group: %+v", groups[0])
	}
	if groups[1].Name != GroupHead || groups[1].LR != 5e-4 || groups[1].WeightDecay != 0.003 {
		t.Errorf("Unexpected head group: %+v", groups[1])
	}
	for _, group := range groups {
		for _, p := range group.Params {
			if !p.RequiresGrad {
				t.Errorf("Frozen parameter %q included in optimizer group %q", p.Name, group.Name)
			}
		}
	}
}
