package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dataset is a random-access source of (feature vector, class label)
// samples. Implementations must be safe for concurrent Sample calls,
// since the DataLoader fills batches with parallel workers.
type Dataset interface {
	Len() int
	Dim() int // flattened feature length per sample
	NumClasses() int
	Label(idx int) int                      // label only, for stratified splitting
	Sample(idx int) ([]float32, int, error) // full sample
}

// Batch is one batch of flattened inputs and integer labels. Inputs is
// packed row-major: sample i occupies Inputs[i*dim : (i+1)*dim].
type Batch struct {
	Inputs []float32
	Labels []int32
	Size   int
}

// BatchStream is the ordered, finite, blocking-pull sequence of batches
// the training loop and evaluator consume. Next returns (nil, nil) at the
// end of the epoch; Reset starts a fresh epoch.
type BatchStream interface {
	Reset()
	Next() (*Batch, error)
	Batches() int
	Samples() int
}

// StratifiedSplit partitions sample indices into train and validation
// sets, preserving class proportions. Every class that appears at all
// contributes at least one validation sample.
func StratifiedSplit(labels []int, valFraction float64, rng *rand.Rand) (trainIdx, valIdx []int, err error) {
	if len(labels) == 0 {
		return nil, nil, fmt.Errorf("cannot split an empty label set")
	}
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", valFraction)
	}

	byClass := make(map[int][]int)
	var classes []int
	for i, label := range labels {
		if _, seen := byClass[label]; !seen {
			classes = append(classes, label)
		}
		byClass[label] = append(byClass[label], i)
	}

	for _, class := range classes {
		indices := byClass[class]
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		nVal := int(valFraction*float64(len(indices)) + 0.5)
		if nVal < 1 {
			nVal = 1
		}
		if nVal == len(indices) && len(indices) > 1 {
			nVal = len(indices) - 1
		}
		valIdx = append(valIdx, indices[:nVal]...)
		trainIdx = append(trainIdx, indices[nVal:]...)
	}

	rng.Shuffle(len(trainIdx), func(i, j int) {
		trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
	})
	rng.Shuffle(len(valIdx), func(i, j int) {
		valIdx[i], valIdx[j] = valIdx[j], valIdx[i]
	})
	return trainIdx, valIdx, nil
}

// InMemoryDataset holds feature vectors and labels directly in memory,
// for synthetic data and tests.
type InMemoryDataset struct {
	features   [][]float32
	labels     []int
	dim        int
	numClasses int
}

// NewInMemoryDataset creates a dataset from parallel feature/label slices.
func NewInMemoryDataset(features [][]float32, labels []int) (*InMemoryDataset, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("dataset must contain at least one sample")
	}
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels must have the same length: got %d and %d", len(features), len(labels))
	}
	dim := len(features[0])
	numClasses := 0
	for i, f := range features {
		if len(f) != dim {
			return nil, fmt.Errorf("sample %d has dimension %d, expected %d", i, len(f), dim)
		}
		if labels[i] < 0 {
			return nil, fmt.Errorf("sample %d has negative label %d", i, labels[i])
		}
		if labels[i]+1 > numClasses {
			numClasses = labels[i] + 1
		}
	}
	return &InMemoryDataset{features: features, labels: labels, dim: dim, numClasses: numClasses}, nil
}

// Len returns the number of samples.
func (d *InMemoryDataset) Len() int { return len(d.features) }

// Dim returns the feature length per sample.
func (d *InMemoryDataset) Dim() int { return d.dim }

// NumClasses returns the number of distinct classes.
func (d *InMemoryDataset) NumClasses() int { return d.numClasses }

// Label returns the label of the sample at idx.
func (d *InMemoryDataset) Label(idx int) int { return d.labels[idx] }

// Sample returns the sample at idx.
func (d *InMemoryDataset) Sample(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(d.features) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.features))
	}
	return d.features[idx], d.labels[idx], nil
}

// Subset presents a fixed index selection of another dataset, the usual
// result of a train/validation split.
type Subset struct {
	dataset Dataset
	indices []int
}

// NewSubset creates a view over dataset restricted to indices.
func NewSubset(dataset Dataset, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= dataset.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, dataset.Len())
		}
	}
	return &Subset{dataset: dataset, indices: indices}, nil
}

// Len returns the number of samples in the subset.
func (s *Subset) Len() int { return len(s.indices) }

// Dim returns the feature length per sample.
func (s *Subset) Dim() int { return s.dataset.Dim() }

// NumClasses returns the class count of the underlying dataset.
func (s *Subset) NumClasses() int { return s.dataset.NumClasses() }

// Label returns the label of the subset sample at idx.
func (s *Subset) Label(idx int) int { return s.dataset.Label(s.indices[idx]) }

// Sample returns the subset sample at idx.
func (s *Subset) Sample(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(s.indices))
	}
	return s.dataset.Sample(s.indices[idx])
}

// DataLoaderConfig configures a DataLoader.
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool
	Workers       int   // parallel sample loaders per batch (default 2)
	PrefetchDepth int   // batches buffered ahead of the consumer (default 3)
	Seed          int64 // shuffle seed (default 1)
}

// DataLoader batches a Dataset into an ordered, finite sequence. Batches
// are assembled by background workers and buffered in a channel, so
// sample decoding overlaps with training; the consumer still sees a
// strictly ordered blocking-pull stream.
type DataLoader struct {
	dataset Dataset
	cfg     DataLoaderConfig
	rng     *rand.Rand
	indices []int

	ch     chan *Batch
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

// NewDataLoader creates a DataLoader over dataset. Call Reset before the
// first Next of every epoch.
func NewDataLoader(dataset Dataset, cfg DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 3
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset: dataset,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		indices: indices,
	}, nil
}

// Batches returns the number of batches per epoch.
func (dl *DataLoader) Batches() int {
	return (len(dl.indices) + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// Samples returns the total number of samples per epoch.
func (dl *DataLoader) Samples() int { return len(dl.indices) }

// Reset starts a new epoch: reshuffles (if configured) and restarts the
// prefetch pipeline.
func (dl *DataLoader) Reset() {
	if dl.cancel != nil {
		dl.cancel()
	}
	dl.mu.Lock()
	dl.err = nil
	dl.mu.Unlock()

	if dl.cfg.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	// Snapshot the epoch order so a later Reset cannot disturb a
	// producer that is still draining.
	order := make([]int, len(dl.indices))
	copy(order, dl.indices)

	ctx, cancel := context.WithCancel(context.Background())
	dl.cancel = cancel
	ch := make(chan *Batch, dl.cfg.PrefetchDepth)
	dl.ch = ch
	go dl.produce(ctx, ch, order)
}

// Next returns the next batch, blocking until one is ready. It returns
// (nil, nil) at the end of the epoch.
func (dl *DataLoader) Next() (*Batch, error) {
	if dl.ch == nil {
		return nil, fmt.Errorf("data loader not reset: call Reset before Next")
	}
	batch, ok := <-dl.ch
	if !ok {
		dl.mu.Lock()
		defer dl.mu.Unlock()
		if dl.err != nil {
			return nil, dl.err
		}
		return nil, nil
	}
	return batch, nil
}

// Stop cancels any in-flight prefetch work.
func (dl *DataLoader) Stop() {
	if dl.cancel != nil {
		dl.cancel()
	}
}

func (dl *DataLoader) produce(ctx context.Context, ch chan<- *Batch, order []int) {
	defer close(ch)
	for start := 0; start < len(order); start += dl.cfg.BatchSize {
		end := start + dl.cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch, err := dl.loadBatch(ctx, order[start:end])
		if err != nil {
			dl.mu.Lock()
			dl.err = fmt.Errorf("failed to load batch: %v", err)
			dl.mu.Unlock()
			return
		}
		select {
		case ch <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// loadBatch fills one batch using parallel workers.
func (dl *DataLoader) loadBatch(ctx context.Context, idxs []int) (*Batch, error) {
	dim := dl.dataset.Dim()
	batch := &Batch{
		Inputs: make([]float32, len(idxs)*dim),
		Labels: make([]int32, len(idxs)),
		Size:   len(idxs),
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.Workers)
	for i, idx := range idxs {
		i, idx := i, idx
		g.Go(func() error {
			features, label, err := dl.dataset.Sample(idx)
			if err != nil {
				return fmt.Errorf("sample %d: %v", idx, err)
			}
			if len(features) != dim {
				return fmt.Errorf("sample %d has dimension %d, expected %d", idx, len(features), dim)
			}
			copy(batch.Inputs[i*dim:(i+1)*dim], features)
			batch.Labels[i] = int32(label)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
