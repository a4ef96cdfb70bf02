package training

import (
	"fmt"
	"math"
)

// CrossEntropyLoss computes softmax cross-entropy with optional label
// smoothing. Because the models here backpropagate manually, Forward
// returns both the mean batch loss and d(loss)/d(logits).
type CrossEntropyLoss struct {
	labelSmoothing float64
}

// NewCrossEntropyLoss creates a cross-entropy criterion. labelSmoothing
// must be in [0, 1).
func NewCrossEntropyLoss(labelSmoothing float64) (*CrossEntropyLoss, error) {
	if labelSmoothing < 0 || labelSmoothing >= 1 {
		return nil, fmt.Errorf("label smoothing must be in [0, 1), got %v", labelSmoothing)
	}
	return &CrossEntropyLoss{labelSmoothing: labelSmoothing}, nil
}

// Forward computes the mean loss over a batch of logits [n, classes] and
// the gradient with respect to the logits. With label smoothing s, the
// target distribution is q = s/classes + (1-s)*onehot(label).
func (l *CrossEntropyLoss) Forward(logits []float32, labels []int32, classes int) (float32, []float32, error) {
	if classes <= 0 {
		return 0, nil, fmt.Errorf("classes must be positive, got %d", classes)
	}
	n := len(labels)
	if n == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}
	if len(logits) != n*classes {
		return 0, nil, fmt.Errorf("logits length mismatch: expected %d, got %d", n*classes, len(logits))
	}

	uniform := float32(l.labelSmoothing / float64(classes))
	onTarget := float32(1.0-l.labelSmoothing) + uniform

	grad := make([]float32, n*classes)
	var totalLoss float64
	for i := 0; i < n; i++ {
		label := int(labels[i])
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		row := logits[i*classes : (i+1)*classes]

		// Numerically stable softmax: shift by the row max.
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sumExp float32
		for _, v := range row {
			sumExp += float32(math.Exp(float64(v - maxLogit)))
		}
		logSumExp := float32(math.Log(float64(sumExp)))

		invN := float32(1.0 / float64(n))
		for j := 0; j < classes; j++ {
			logProb := row[j] - maxLogit - logSumExp
			prob := float32(math.Exp(float64(logProb)))
			q := uniform
			if j == label {
				q = onTarget
			}
			totalLoss -= float64(q * logProb)
			grad[i*classes+j] = (prob - q) * invN
		}
	}

	return float32(totalLoss / float64(n)), grad, nil
}

// CountCorrect returns the number of rows whose argmax equals the label.
func CountCorrect(logits []float32, labels []int32, classes int) int {
	correct := 0
	for i := range labels {
		row := logits[i*classes : (i+1)*classes]
		maxIdx := 0
		maxVal := row[0]
		for j := 1; j < classes; j++ {
			if row[j] > maxVal {
				maxVal = row[j]
				maxIdx = j
			}
		}
		if int32(maxIdx) == labels[i] {
			correct++
		}
	}
	return correct
}
