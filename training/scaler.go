package training

import (
	"fmt"
	"math"
)

// ScalerState is the observable state of the GradScaler's overflow
// machine.
type ScalerState int

const (
	// ScalerNormal means the last unscale saw only finite gradients.
	ScalerNormal ScalerState = iota
	// ScalerOverflowSkip means non-finite gradients were detected: the
	// next guarded Step is skipped and Update will back the scale off.
	ScalerOverflowSkip
)

func (s ScalerState) String() string {
	switch s {
	case ScalerNormal:
		return "normal"
	case ScalerOverflowSkip:
		return "overflow-skip"
	default:
		return "unknown"
	}
}

// GradScalerConfig configures dynamic loss scaling.
type GradScalerConfig struct {
	InitScale      float64 // default 65536
	GrowthFactor   float64 // default 2.0
	BackoffFactor  float64 // default 0.5
	GrowthInterval int     // good steps between scale growths, default 2000
}

func (c *GradScalerConfig) applyDefaults() {
	if c.InitScale == 0 {
		c.InitScale = 65536
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = 2.0
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 0.5
	}
	if c.GrowthInterval == 0 {
		c.GrowthInterval = 2000
	}
}

// GradScaler keeps reduced-precision gradients representable by scaling
// the backward seed up and the accumulated gradients back down. When the
// unscaled gradients contain Inf or NaN the guarded optimizer step is
// skipped and the scale shrinks; after GrowthInterval clean steps the
// scale grows again.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int

	state        ScalerState
	goodSteps    int
	skippedSteps uint64
}

// NewGradScaler creates a GradScaler.
func NewGradScaler(cfg GradScalerConfig) (*GradScaler, error) {
	cfg.applyDefaults()
	if cfg.InitScale <= 0 {
		return nil, fmt.Errorf("initial scale must be positive, got %v", cfg.InitScale)
	}
	if cfg.GrowthFactor <= 1 {
		return nil, fmt.Errorf("growth factor must exceed 1, got %v", cfg.GrowthFactor)
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		return nil, fmt.Errorf("backoff factor must be in (0, 1), got %v", cfg.BackoffFactor)
	}
	if cfg.GrowthInterval <= 0 {
		return nil, fmt.Errorf("growth interval must be positive, got %d", cfg.GrowthInterval)
	}
	return &GradScaler{
		scale:          cfg.InitScale,
		growthFactor:   cfg.GrowthFactor,
		backoffFactor:  cfg.BackoffFactor,
		growthInterval: cfg.GrowthInterval,
	}, nil
}

// Scale returns the current loss scale. The training loop multiplies the
// backward seed by this factor.
func (s *GradScaler) Scale() float64 { return s.scale }

// State returns the current overflow state.
func (s *GradScaler) State() ScalerState { return s.state }

// SkippedSteps returns how many optimizer steps were skipped on overflow.
func (s *GradScaler) SkippedSteps() uint64 { return s.skippedSteps }

// Unscale divides the accumulated gradients back down by the loss scale
// and flags any non-finite values. Must be called once per step window,
// before clipping.
func (s *GradScaler) Unscale(params []*Parameter) {
	inv := float32(1.0 / s.scale)
	foundInf := false
	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= inv
			v := float64(p.Grad[i])
			if math.IsInf(v, 0) || math.IsNaN(v) {
				foundInf = true
			}
		}
	}
	if foundInf {
		s.state = ScalerOverflowSkip
	}
}

// Step performs the guarded optimizer step. It returns true if the step
// ran, false if it was skipped because of overflow.
func (s *GradScaler) Step(opt Optimizer) (bool, error) {
	if s.state == ScalerOverflowSkip {
		s.skippedSteps++
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, fmt.Errorf("optimizer step failed: %v", err)
	}
	return true, nil
}

// Update adapts the loss scale after a step window: backoff on overflow,
// growth after growthInterval consecutive clean steps. It also returns
// the scaler to the normal state.
func (s *GradScaler) Update() {
	if s.state == ScalerOverflowSkip {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		s.state = ScalerNormal
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}
