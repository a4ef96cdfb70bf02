package training

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tsawler/go-finetune/checkpoints"
)

// FineTunerConfig collects every knob of a fine-tuning run. Zero values
// fall back to the defaults listed on each field.
type FineTunerConfig struct {
	Epochs      int // default 50
	SwitchEpoch int // cosine-to-plateau handoff epoch, default 12

	CosineT0     int     // default 12
	CosineTMult  int     // default 2
	CosineEtaMin float64 // default 1e-6

	PlateauFactor    float64 // default 0.3
	PlateauPatience  int     // default 3
	PlateauThreshold float64 // default 0.001

	LabelSmoothing float64 // default 0.15

	EMADecay    float64 // default 0.999
	EMAMinDecay float64 // default 0.995

	EarlyStopPatience int // default 12

	AccumSteps int     // default 4
	ClipNorm   float64 // default 2.0

	CheckpointDir string      // required
	ProgressOut   io.Writer   // nil disables progress bars
	Metrics       MetricsSink // nil discards metrics
}

func (c *FineTunerConfig) applyDefaults() {
	if c.Epochs == 0 {
		c.Epochs = 50
	}
	if c.SwitchEpoch == 0 {
		c.SwitchEpoch = 12
	}
	if c.CosineT0 == 0 {
		c.CosineT0 = 12
	}
	if c.CosineTMult == 0 {
		c.CosineTMult = 2
	}
	if c.CosineEtaMin == 0 {
		c.CosineEtaMin = 1e-6
	}
	if c.PlateauFactor == 0 {
		c.PlateauFactor = 0.3
	}
	if c.PlateauPatience == 0 {
		c.PlateauPatience = 3
	}
	if c.PlateauThreshold == 0 {
		c.PlateauThreshold = 0.001
	}
	if c.LabelSmoothing == 0 {
		c.LabelSmoothing = 0.15
	}
	if c.EMADecay == 0 {
		c.EMADecay = 0.999
	}
	if c.EMAMinDecay == 0 {
		c.EMAMinDecay = 0.995
	}
	if c.EarlyStopPatience == 0 {
		c.EarlyStopPatience = 12
	}
	if c.AccumSteps == 0 {
		c.AccumSteps = 4
	}
	if c.ClipNorm == 0 {
		c.ClipNorm = 2.0
	}
	if c.Metrics == nil {
		c.Metrics = NopMetricsSink{}
	}
}

// Checkpoint file names. Fixed so downstream tooling can find the best
// snapshots without scanning the run directory.
const (
	BestModelFile    = "best_model"
	BestModelEMAFile = "best_model_ema"
)

// FineTuner drives a complete fine-tuning run: per-epoch training with
// gradient accumulation and loss scaling, dual validation of the live
// and EMA models, the cosine-to-plateau schedule handoff, best-snapshot
// checkpointing and composite-metric early stopping.
type FineTuner struct {
	model      Module
	opt        Optimizer
	loop       *AccumulationLoop
	evaluator  *Evaluator
	controller *ScheduleController
	policy     *CheckpointPolicy
	ema        *EMATracker
	saver      *checkpoints.Saver
	cfg        FineTunerConfig

	groupByName map[string]string
}

// NewFineTuner assembles the full training stack around a model and its
// optimizer.
func NewFineTuner(model Module, opt Optimizer, cfg FineTunerConfig) (*FineTuner, error) {
	cfg.applyDefaults()
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if cfg.CheckpointDir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if cfg.SwitchEpoch > cfg.Epochs {
		return nil, fmt.Errorf("switch epoch %d exceeds total epochs %d", cfg.SwitchEpoch, cfg.Epochs)
	}

	criterion, err := NewCrossEntropyLoss(cfg.LabelSmoothing)
	if err != nil {
		return nil, err
	}
	scaler, err := NewGradScaler(GradScalerConfig{})
	if err != nil {
		return nil, err
	}
	ema, err := NewEMATracker(model, cfg.EMADecay, cfg.EMAMinDecay, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	loop, err := NewAccumulationLoop(model, criterion, opt, scaler, ema, LoopConfig{
		AccumSteps:  cfg.AccumSteps,
		ClipNorm:    cfg.ClipNorm,
		ProgressOut: cfg.ProgressOut,
	})
	if err != nil {
		return nil, err
	}
	evaluator, err := NewEvaluator(model, ema, criterion)
	if err != nil {
		return nil, err
	}
	cosine, err := NewCosineWarmRestarts(cfg.CosineT0, cfg.CosineTMult, cfg.CosineEtaMin)
	if err != nil {
		return nil, err
	}
	plateau, err := NewReduceLROnPlateau(cfg.PlateauFactor, cfg.PlateauPatience, cfg.PlateauThreshold, "max")
	if err != nil {
		return nil, err
	}
	controller, err := NewScheduleController(opt, cosine, plateau, cfg.SwitchEpoch)
	if err != nil {
		return nil, err
	}
	policy, err := NewCheckpointPolicy(cfg.EarlyStopPatience, 0)
	if err != nil {
		return nil, err
	}
	saver, err := checkpoints.NewSaver(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}

	groupByName := make(map[string]string)
	for _, p := range model.Parameters() {
		groupByName[p.Name] = p.Group
	}

	return &FineTuner{
		model:       model,
		opt:         opt,
		loop:        loop,
		evaluator:   evaluator,
		controller:  controller,
		policy:      policy,
		ema:         ema,
		saver:       saver,
		cfg:         cfg,
		groupByName: groupByName,
	}, nil
}

// EMA returns the run's EMA tracker.
func (ft *FineTuner) EMA() *EMATracker { return ft.ema }

// Train runs up to Epochs full passes over the training stream,
// validating both models after each one. It returns the best validation
// accuracy seen across live and EMA evaluations.
func (ft *FineTuner) Train(trainStream, valStream BatchStream) (float64, error) {
	log.Printf("starting fine-tuning: %d epochs, %d training samples, %d validation samples",
		ft.cfg.Epochs, trainStream.Samples(), valStream.Samples())

	for epoch := 0; epoch < ft.cfg.Epochs; epoch++ {
		stats, err := ft.loop.RunEpoch(trainStream, epoch, ft.cfg.Epochs)
		if err != nil {
			return ft.policy.BestAccuracy(), fmt.Errorf("epoch %d: %v", epoch, err)
		}

		valAcc, valLoss, err := ft.evaluator.Evaluate(valStream, SelectLive)
		if err != nil {
			return ft.policy.BestAccuracy(), fmt.Errorf("epoch %d validation: %v", epoch, err)
		}
		emaAcc, emaLoss, err := ft.evaluator.Evaluate(valStream, SelectEMA)
		if err != nil {
			return ft.policy.BestAccuracy(), fmt.Errorf("epoch %d EMA validation: %v", epoch, err)
		}

		// The plateau phase monitors live validation accuracy, matching
		// what the checkpoint policy primarily tracks.
		ft.controller.Step(epoch, valAcc)

		if err := ft.logEpoch(epoch, stats, valAcc, valLoss, emaAcc, emaLoss); err != nil {
			return ft.policy.BestAccuracy(), err
		}

		log.Printf("epoch %d/%d: train loss %.4f acc %.4f | val loss %.4f acc %.4f | ema loss %.4f acc %.4f | %s schedule | %d steps (%d skipped) in %s",
			epoch+1, ft.cfg.Epochs, stats.Loss, stats.Accuracy, valLoss, valAcc, emaLoss, emaAcc,
			ft.controller.GetName(), stats.OptimizerSteps, stats.SkippedSteps, stats.Duration.Round(10*time.Millisecond))

		decision := ft.policy.Check(valAcc, emaAcc, valLoss)
		if decision.SaveLive {
			if err := ft.saveSnapshot(BestModelFile, ft.model.StateDict(), epoch, valAcc, "live"); err != nil {
				return ft.policy.BestAccuracy(), err
			}
			log.Printf("epoch %d: new best accuracy %.4f, saved %s", epoch+1, valAcc, BestModelFile)
		}
		if decision.SaveEMA {
			if err := ft.saveSnapshot(BestModelEMAFile, ft.ema.StateDict(), epoch, emaAcc, "ema"); err != nil {
				return ft.policy.BestAccuracy(), err
			}
			log.Printf("epoch %d: new best EMA accuracy %.4f, saved %s", epoch+1, emaAcc, BestModelEMAFile)
		}
		if decision.Stop {
			log.Printf("early stopping at epoch %d: composite metric flat for %d epochs", epoch+1, ft.cfg.EarlyStopPatience)
			break
		}
	}

	log.Printf("fine-tuning complete: best validation accuracy %.4f", ft.policy.BestAccuracy())
	return ft.policy.BestAccuracy(), nil
}

func (ft *FineTuner) logEpoch(epoch int, stats EpochStats, valAcc, valLoss, emaAcc, emaLoss float64) error {
	scalars := []struct {
		name  string
		value float64
	}{
		{"Loss/train", stats.Loss},
		{"Accuracy/train", stats.Accuracy},
		{"Loss/val", valLoss},
		{"Accuracy/val", valAcc},
		{"Loss/val_ema", emaLoss},
		{"Accuracy/val_ema", emaAcc},
		{"Metrics/TrainVal_Gap", stats.Accuracy - valAcc},
	}
	for _, s := range scalars {
		if err := ft.cfg.Metrics.LogScalar(s.name, s.value, epoch); err != nil {
			return fmt.Errorf("metrics: %v", err)
		}
	}
	for _, group := range ft.opt.ParamGroups() {
		if err := ft.cfg.Metrics.LogScalar("Metrics/LR_"+group.Name, group.LR, epoch); err != nil {
			return fmt.Errorf("metrics: %v", err)
		}
	}
	return nil
}

func (ft *FineTuner) saveSnapshot(name string, state map[string][]float64, epoch int, accuracy float64, source string) error {
	checkpoint := checkpoints.NewCheckpoint(state, ft.groupByName, checkpoints.TrainingState{
		Epoch:    epoch,
		Accuracy: accuracy,
		Source:   source,
	})
	if err := ft.saver.Save(name, checkpoint); err != nil {
		return fmt.Errorf("failed to save %s: %v", name, err)
	}
	return nil
}
