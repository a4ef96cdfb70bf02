package training

import (
	"fmt"
)

// CheckpointDecision is the outcome of one epoch's policy check. The
// caller performs the persistence; the policy only decides.
type CheckpointDecision struct {
	SaveLive bool
	SaveEMA  bool
	Stop     bool
}

// CheckpointPolicy decides when to persist model snapshots and when to
// stop training early.
//
// Snapshot gating uses a single best-accuracy record shared by the live
// and EMA models: the EMA snapshot is written when EMA accuracy beats
// the global best, not an EMA-only best. Both checks run every epoch, so
// both snapshots can be written in the same epoch.
//
// Early stopping uses a separate composite metric,
// 0.8*accuracy + 0.2*(1-loss), with its own best record and patience
// counter, independent of the plateau scheduler's.
type CheckpointPolicy struct {
	patience int

	bestAccuracy  float64
	bestComposite float64
	noImprove     int
}

// NewCheckpointPolicy creates a policy. initialBest seeds the shared
// best-accuracy record, useful when resuming a run.
func NewCheckpointPolicy(patience int, initialBest float64) (*CheckpointPolicy, error) {
	if patience <= 0 {
		return nil, fmt.Errorf("patience must be positive, got %d", patience)
	}
	if initialBest < 0 || initialBest > 1 {
		return nil, fmt.Errorf("initial best accuracy must be in [0, 1], got %v", initialBest)
	}
	return &CheckpointPolicy{patience: patience, bestAccuracy: initialBest}, nil
}

// Check records one epoch's validation results and returns the actions
// to take before the next epoch.
func (p *CheckpointPolicy) Check(liveAccuracy, emaAccuracy, valLoss float64) CheckpointDecision {
	var decision CheckpointDecision

	if liveAccuracy > p.bestAccuracy {
		p.bestAccuracy = liveAccuracy
		decision.SaveLive = true
	}
	if emaAccuracy > p.bestAccuracy {
		p.bestAccuracy = emaAccuracy
		decision.SaveEMA = true
	}

	composite := 0.8*liveAccuracy + 0.2*(1.0-valLoss)
	if composite > p.bestComposite {
		p.bestComposite = composite
		p.noImprove = 0
	} else {
		p.noImprove++
		if p.noImprove >= p.patience {
			decision.Stop = true
		}
	}
	return decision
}

// BestAccuracy returns the best validation accuracy seen so far, live or
// EMA.
func (p *CheckpointPolicy) BestAccuracy() float64 { return p.bestAccuracy }

// BestComposite returns the best composite early-stopping metric so far.
func (p *CheckpointPolicy) BestComposite() float64 { return p.bestComposite }
