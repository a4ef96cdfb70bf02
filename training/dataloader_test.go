package training

import (
	"errors"
	"math/rand"
	"testing"
)

func TestStratifiedSplit(t *testing.T) {
	// Class counts 5, 2 and 1. Every class must land in validation at
	// least once, including the singleton class.
	labels := []int{0, 0, 0, 0, 0, 1, 1, 2}
	rng := rand.New(rand.NewSource(1))

	trainIdx, valIdx, err := StratifiedSplit(labels, 0.2, rng)
	if err != nil {
		t.Fatalf("StratifiedSplit failed: %v", err)
	}

	if len(trainIdx)+len(valIdx) != len(labels) {
		t.Fatalf("Split sizes %d+%d do not cover %d samples", len(trainIdx), len(valIdx), len(labels))
	}
	seen := make(map[int]bool)
	for _, idx := range append(append([]int{}, trainIdx...), valIdx...) {
		if seen[idx] {
			t.Fatalf("Index %d appears twice", idx)
		}
		seen[idx] = true
	}

	valByClass := make(map[int]int)
	for _, idx := range valIdx {
		valByClass[labels[idx]]++
	}
	for class := 0; class < 3; class++ {
		if valByClass[class] < 1 {
			t.Errorf("Class %d has no validation samples", class)
		}
	}
	if valByClass[0] != 1 {
		t.Errorf("Expected 1 validation sample for class 0, got %d", valByClass[0])
	}
}

func TestStratifiedSplitValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, _, err := StratifiedSplit(nil, 0.2, rng); err == nil {
		t.Error("Expected error for empty labels")
	}
	if _, _, err := StratifiedSplit([]int{0, 1}, 0, rng); err == nil {
		t.Error("Expected error for zero validation fraction")
	}
	if _, _, err := StratifiedSplit([]int{0, 1}, 1, rng); err == nil {
		t.Error("Expected error for validation fraction of 1")
	}
}

func inMemoryFixture(t *testing.T, n int) *InMemoryDataset {
	t.Helper()
	features := make([][]float32, n)
	labels := make([]int, n)
	for i := range features {
		features[i] = []float32{float32(i), float32(i) + 0.5}
		labels[i] = i % 3
	}
	ds, err := NewInMemoryDataset(features, labels)
	if err != nil {
		t.Fatalf("NewInMemoryDataset failed: %v", err)
	}
	return ds
}

func TestDataLoaderOrderAndTrailingBatch(t *testing.T) {
	ds := inMemoryFixture(t, 7)
	loader, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 3})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	defer loader.Stop()

	if loader.Batches() != 3 {
		t.Errorf("Expected 3 batches, got %d", loader.Batches())
	}
	if loader.Samples() != 7 {
		t.Errorf("Expected 7 samples, got %d", loader.Samples())
	}

	for epoch := 0; epoch < 2; epoch++ {
		loader.Reset()
		wantSizes := []int{3, 3, 1}
		sample := 0
		for _, wantSize := range wantSizes {
			batch, err := loader.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if batch == nil {
				t.Fatal("Stream ended early")
			}
			if batch.Size != wantSize {
				t.Fatalf("Expected batch size %d, got %d", wantSize, batch.Size)
			}
			for i := 0; i < batch.Size; i++ {
				if batch.Inputs[i*2] != float32(sample) {
					t.Fatalf("Sample %d out of order: got feature %v", sample, batch.Inputs[i*2])
				}
				if batch.Labels[i] != int32(sample%3) {
					t.Fatalf("Sample %d has label %d, want %d", sample, batch.Labels[i], sample%3)
				}
				sample++
			}
		}
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed at end of epoch: %v", err)
		}
		if batch != nil {
			t.Fatal("Expected (nil, nil) at the end of the epoch")
		}
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	drain := func(seed int64) []int32 {
		ds := inMemoryFixture(t, 10)
		loader, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 4, Shuffle: true, Seed: seed})
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		defer loader.Stop()
		loader.Reset()
		var order []int32
		for {
			batch, err := loader.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if batch == nil {
				return order
			}
			order = append(order, batch.Labels...)
		}
	}

	a := drain(42)
	b := drain(42)
	if len(a) != len(b) {
		t.Fatalf("Epoch lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Same seed produced different orders at position %d", i)
		}
	}
}

// failingDataset errors on one index to exercise loader error paths.
type failingDataset struct {
	*InMemoryDataset
	failIdx int
}

func (d *failingDataset) Sample(idx int) ([]float32, int, error) {
	if idx == d.failIdx {
		return nil, 0, errors.New("corrupt sample")
	}
	return d.InMemoryDataset.Sample(idx)
}

func TestDataLoaderPropagatesSampleErrors(t *testing.T) {
	ds := &failingDataset{InMemoryDataset: inMemoryFixture(t, 6), failIdx: 4}
	loader, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	defer loader.Stop()

	loader.Reset()
	var sawError bool
	for i := 0; i < 4; i++ {
		batch, err := loader.Next()
		if err != nil {
			sawError = true
			break
		}
		if batch == nil {
			break
		}
	}
	if !sawError {
		t.Error("Expected the sample error to surface through Next")
	}
}

func TestSubset(t *testing.T) {
	ds := inMemoryFixture(t, 6)
	subset, err := NewSubset(ds, []int{4, 1})
	if err != nil {
		t.Fatalf("NewSubset failed: %v", err)
	}
	if subset.Len() != 2 {
		t.Errorf("Expected length 2, got %d", subset.Len())
	}
	if subset.Label(0) != 4%3 {
		t.Errorf("Expected label %d, got %d", 4%3, subset.Label(0))
	}
	features, label, err := subset.Sample(1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if features[0] != 1 || label != 1 {
		t.Errorf("Expected sample 1, got features[0]=%v label=%d", features[0], label)
	}

	if _, err := NewSubset(ds, []int{99}); err == nil {
		t.Error("Expected error for out-of-range subset index")
	}
}

func TestNewInMemoryDatasetValidation(t *testing.T) {
	if _, err := NewInMemoryDataset(nil, nil); err == nil {
		t.Error("Expected error for empty dataset")
	}
	if _, err := NewInMemoryDataset([][]float32{{1}}, []int{0, 1}); err == nil {
		t.Error("Expected error for mismatched lengths")
	}
	if _, err := NewInMemoryDataset([][]float32{{1}, {1, 2}}, []int{0, 1}); err == nil {
		t.Error("Expected error for ragged features")
	}
}
