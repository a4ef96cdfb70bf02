package training

import (
	"fmt"
)

// ModelSelector chooses which parameter set the evaluator runs.
type ModelSelector int

const (
	// SelectLive evaluates the live (trained) model.
	SelectLive ModelSelector = iota
	// SelectEMA evaluates the EMA shadow model.
	SelectEMA
)

func (s ModelSelector) String() string {
	if s == SelectEMA {
		return "ema"
	}
	return "live"
}

// Evaluator runs a model over a validation stream in inference mode.
// Evaluation is deterministic for a fixed model and stream: dropout is
// disabled and no gradient state is touched.
type Evaluator struct {
	model     Module
	ema       *EMATracker
	criterion *CrossEntropyLoss
}

// NewEvaluator creates an evaluator. The EMA tracker may be nil, in
// which case SelectEMA is a configuration error at evaluation time.
func NewEvaluator(model Module, ema *EMATracker, criterion *CrossEntropyLoss) (*Evaluator, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion cannot be nil")
	}
	return &Evaluator{model: model, ema: ema, criterion: criterion}, nil
}

// Evaluate runs the selected model over the full stream and returns
// sample-weighted mean accuracy and loss.
func (e *Evaluator) Evaluate(stream BatchStream, selector ModelSelector) (accuracy, loss float64, err error) {
	model := e.model
	if selector == SelectEMA {
		if e.ema == nil {
			return 0, 0, fmt.Errorf("EMA evaluation requested but no EMA tracker is configured")
		}
		model = e.ema.Model()
	}
	if stream.Samples() == 0 {
		return 0, 0, fmt.Errorf("empty validation stream")
	}

	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	stream.Reset()
	classes := model.NumClasses()
	var lossSum float64
	var correct, n int

	for batchIdx := 0; ; batchIdx++ {
		batch, err := stream.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("validation batch %d: %v", batchIdx, err)
		}
		if batch == nil {
			break
		}
		logits, err := model.Forward(batch.Inputs, batch.Size)
		if err != nil {
			return 0, 0, fmt.Errorf("validation forward pass failed: %v", err)
		}
		batchLoss, _, err := e.criterion.Forward(logits, batch.Labels, classes)
		if err != nil {
			return 0, 0, fmt.Errorf("validation loss computation failed: %v", err)
		}
		lossSum += float64(batchLoss) * float64(batch.Size)
		correct += CountCorrect(logits, batch.Labels, classes)
		n += batch.Size
	}

	if n == 0 {
		return 0, 0, fmt.Errorf("empty validation stream")
	}
	return float64(correct) / float64(n), lossSum / float64(n), nil
}
