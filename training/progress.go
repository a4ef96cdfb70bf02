package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar renders PyTorch-style single-line training progress with
// elapsed time, an ETA, and throughput smoothed over the last few
// batches. It is cosmetic: training correctness never depends on it.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	width       int
	startTime   time.Time

	batchTimes []time.Duration // rolling window for the rate estimate
	window     int
}

// NewProgressBar creates a progress bar writing to out.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		width:       30,
		startTime:   time.Now(),
		window:      10,
	}
}

// Update advances the bar to step, recording the duration of the batch
// that just finished and the metrics to display.
func (pb *ProgressBar) Update(step int, batchTime time.Duration, loss, accuracy float64) {
	pb.current = step
	pb.batchTimes = append(pb.batchTimes, batchTime)
	if len(pb.batchTimes) > pb.window {
		pb.batchTimes = pb.batchTimes[len(pb.batchTimes)-pb.window:]
	}
	pb.render(loss, accuracy)
}

// Finish completes the bar and moves to the next line.
func (pb *ProgressBar) Finish() {
	elapsed := time.Since(pb.startTime)
	fmt.Fprintf(pb.out, "\r%s completed in %.1fs%s\n", pb.description, elapsed.Seconds(), strings.Repeat(" ", 40))
}

func (pb *ProgressBar) render(loss, accuracy float64) {
	progress := float64(pb.current) / float64(pb.total)
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat("-", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	avgBatch := pb.smoothedBatchTime()
	remaining := time.Duration(float64(avgBatch) * float64(pb.total-pb.current))
	rate := 0.0
	if avgBatch > 0 {
		rate = 1.0 / avgBatch.Seconds()
	}

	fmt.Fprintf(pb.out, "\r%s |%s| %d/%d batches [%.0fs<%.0fs, %.1fbatches/s] Loss: %.4f Acc: %.4f",
		pb.description, bar, pb.current, pb.total,
		elapsed.Seconds(), remaining.Seconds(), rate, loss, accuracy)
}

// smoothedBatchTime averages the last few batch durations.
func (pb *ProgressBar) smoothedBatchTime() time.Duration {
	if len(pb.batchTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range pb.batchTimes {
		total += d
	}
	return total / time.Duration(len(pb.batchTimes))
}
