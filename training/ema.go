package training

import (
	"fmt"
)

// EMATracker maintains an exponential-moving-average shadow of a model's
// parameters. The shadow usually generalizes better than the raw trained
// weights, so it is evaluated and checkpointed alongside the live model.
//
// The tracker owns its shadow exclusively: it reads the live model's
// parameters and writes only its own copy. Update must be called exactly
// once per optimizer step, not per micro-batch, to keep the shadow and
// live step counts aligned.
type EMATracker struct {
	shadow       Module
	shadowByName map[string]*Parameter

	initialDecay float64
	minDecay     float64
	totalEpochs  int
}

// NewEMATracker clones the model into a shadow copy. It fails if the
// model has no trainable parameters, since a shadow of a fully frozen
// model would never move.
func NewEMATracker(m Module, initialDecay, minDecay float64, totalEpochs int) (*EMATracker, error) {
	if initialDecay <= 0 || initialDecay >= 1 {
		return nil, fmt.Errorf("initial decay must be in (0, 1), got %v", initialDecay)
	}
	if minDecay <= 0 || minDecay > initialDecay {
		return nil, fmt.Errorf("min decay must be in (0, initial decay], got %v", minDecay)
	}
	if totalEpochs <= 0 {
		return nil, fmt.Errorf("total epochs must be positive, got %d", totalEpochs)
	}
	trainable := false
	for _, p := range m.Parameters() {
		if p.RequiresGrad {
			trainable = true
			break
		}
	}
	if !trainable {
		return nil, fmt.Errorf("model has no trainable parameters")
	}

	shadow := m.Clone()
	shadow.Eval()
	byName := make(map[string]*Parameter)
	for _, p := range shadow.Parameters() {
		byName[p.Name] = p
	}
	return &EMATracker{
		shadow:       shadow,
		shadowByName: byName,
		initialDecay: initialDecay,
		minDecay:     minDecay,
		totalEpochs:  totalEpochs,
	}, nil
}

// Decay returns the annealed decay for an epoch: a linear interpolation
// from initialDecay at epoch 0 to minDecay at totalEpochs, clamped below
// at minDecay. It is monotonically non-increasing across a run.
func (t *EMATracker) Decay(epoch int) float64 {
	decay := t.initialDecay - (t.initialDecay-t.minDecay)*(float64(epoch)/float64(t.totalEpochs))
	if decay < t.minDecay {
		decay = t.minDecay
	}
	return decay
}

// Update folds the live model's parameters into the shadow:
// shadow = shadow*decay + live*(1-decay), in full precision. A parameter
// set mismatch between live and shadow is a fatal configuration error.
func (t *EMATracker) Update(m Module, epoch int) error {
	live := m.Parameters()
	if len(live) != len(t.shadowByName) {
		return fmt.Errorf("parameter set mismatch: live has %d parameters, shadow has %d", len(live), len(t.shadowByName))
	}
	decay := t.Decay(epoch)
	for _, p := range live {
		shadow, ok := t.shadowByName[p.Name]
		if !ok {
			return fmt.Errorf("live parameter %q has no shadow", p.Name)
		}
		if len(shadow.Data) != len(p.Data) {
			return fmt.Errorf("parameter %q shape mismatch: live %d, shadow %d", p.Name, len(p.Data), len(shadow.Data))
		}
		for i := range shadow.Data {
			shadow.Data[i] = shadow.Data[i]*decay + p.Data[i]*(1.0-decay)
		}
	}
	return nil
}

// Model returns the shadow module for evaluation. Callers must not
// mutate its parameters.
func (t *EMATracker) Model() Module { return t.shadow }

// StateDict returns a copy of the shadow's parameter mapping.
func (t *EMATracker) StateDict() map[string][]float64 { return t.shadow.StateDict() }
