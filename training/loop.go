package training

import (
	"fmt"
	"io"
	"time"
)

// LoopConfig configures the per-epoch accumulation loop.
type LoopConfig struct {
	AccumSteps  int       // micro-batches per optimizer step, default 4
	ClipNorm    float64   // global gradient-norm ceiling, default 2.0
	ProgressOut io.Writer // nil disables progress rendering
}

func (c *LoopConfig) applyDefaults() {
	if c.AccumSteps == 0 {
		c.AccumSteps = 4
	}
	if c.ClipNorm == 0 {
		c.ClipNorm = 2.0
	}
}

// EpochStats summarizes one training epoch. Loss and Accuracy are
// sample-weighted means over every sample seen, so variable-size
// trailing batches are accounted for correctly. Loss is the
// un-normalized per-batch loss (accumulation normalization happens only
// on the backward seed, never in reporting).
type EpochStats struct {
	Loss           float64
	Accuracy       float64
	Samples        int
	OptimizerSteps int
	SkippedSteps   int
	Duration       time.Duration
}

// AccumulationLoop runs one training epoch at a time, accumulating
// gradients across a fixed number of micro-batches before each optimizer
// step and driving the scaler and EMA tracker in the required order:
// unscale, clip, guarded step, scale update, zero, EMA.
type AccumulationLoop struct {
	model     Module
	criterion *CrossEntropyLoss
	opt       Optimizer
	scaler    *GradScaler
	ema       *EMATracker
	cfg       LoopConfig
}

// NewAccumulationLoop wires the loop's collaborators. The EMA tracker is
// optional; everything else is required.
func NewAccumulationLoop(model Module, criterion *CrossEntropyLoss, opt Optimizer, scaler *GradScaler, ema *EMATracker, cfg LoopConfig) (*AccumulationLoop, error) {
	cfg.applyDefaults()
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if scaler == nil {
		return nil, fmt.Errorf("scaler cannot be nil")
	}
	if cfg.AccumSteps < 1 {
		return nil, fmt.Errorf("accumulation steps must be at least 1, got %d", cfg.AccumSteps)
	}
	return &AccumulationLoop{
		model:     model,
		criterion: criterion,
		opt:       opt,
		scaler:    scaler,
		ema:       ema,
		cfg:       cfg,
	}, nil
}

// RunEpoch consumes one full pass of the training stream. A step
// boundary fires every AccumSteps batches and on the final batch of the
// epoch, so a short trailing window flushes its gradients instead of
// discarding them.
func (l *AccumulationLoop) RunEpoch(stream BatchStream, epoch, totalEpochs int) (EpochStats, error) {
	var stats EpochStats
	if stream.Samples() == 0 {
		return stats, fmt.Errorf("empty training stream")
	}

	l.model.Train()
	stream.Reset()

	totalBatches := stream.Batches()
	classes := l.model.NumClasses()
	params := l.model.Parameters()
	skippedBefore := l.scaler.SkippedSteps()

	var progress *ProgressBar
	if l.cfg.ProgressOut != nil {
		progress = NewProgressBar(l.cfg.ProgressOut, fmt.Sprintf("Epoch %d/%d", epoch+1, totalEpochs), totalBatches)
	}

	epochStart := time.Now()
	var lossSum float64
	var correct, n int

	for batchIdx := 0; ; batchIdx++ {
		batch, err := stream.Next()
		if err != nil {
			return stats, fmt.Errorf("training batch %d: %v", batchIdx, err)
		}
		if batch == nil {
			break
		}
		batchStart := time.Now()

		logits, err := l.model.Forward(batch.Inputs, batch.Size)
		if err != nil {
			return stats, fmt.Errorf("forward pass failed: %v", err)
		}
		loss, grad, err := l.criterion.Forward(logits, batch.Labels, classes)
		if err != nil {
			return stats, fmt.Errorf("loss computation failed: %v", err)
		}

		// Backward seed carries both the loss scale and the 1/accumSteps
		// normalization, so gradient magnitudes are independent of the
		// accumulation window while the reported loss stays unnormalized.
		seed := float32(l.scaler.Scale() / float64(l.cfg.AccumSteps))
		for i := range grad {
			grad[i] *= seed
		}
		if err := l.model.Backward(grad, batch.Size); err != nil {
			return stats, fmt.Errorf("backward pass failed: %v", err)
		}

		if (batchIdx+1)%l.cfg.AccumSteps == 0 || batchIdx+1 == totalBatches {
			l.scaler.Unscale(params)
			ClipGradNorm(params, l.cfg.ClipNorm)
			stepped, err := l.scaler.Step(l.opt)
			if err != nil {
				return stats, err
			}
			l.scaler.Update()
			l.opt.ZeroGrad()
			if stepped {
				stats.OptimizerSteps++
			}
			if l.ema != nil {
				if err := l.ema.Update(l.model, epoch); err != nil {
					return stats, fmt.Errorf("EMA update failed: %v", err)
				}
			}
		}

		batchCorrect := CountCorrect(logits, batch.Labels, classes)
		lossSum += float64(loss) * float64(batch.Size)
		correct += batchCorrect
		n += batch.Size

		if progress != nil {
			progress.Update(batchIdx+1, time.Since(batchStart), float64(loss), float64(batchCorrect)/float64(batch.Size))
		}
	}

	if n == 0 {
		return stats, fmt.Errorf("empty training stream")
	}
	if progress != nil {
		progress.Finish()
	}

	stats.Loss = lossSum / float64(n)
	stats.Accuracy = float64(correct) / float64(n)
	stats.Samples = n
	stats.SkippedSteps = int(l.scaler.SkippedSteps() - skippedBefore)
	stats.Duration = time.Since(epochStart)
	return stats, nil
}
