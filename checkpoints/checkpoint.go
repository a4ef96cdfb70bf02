// Package checkpoints serializes model parameter snapshots. The format
// is JSON: float64 values survive a save/load cycle exactly, so a
// reloaded snapshot reproduces the recorded evaluation bit for bit.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// WeightTensor is one named parameter's values.
type WeightTensor struct {
	Name  string    `json:"name"`
	Group string    `json:"group"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState records where in the run the snapshot was taken.
type TrainingState struct {
	Epoch    int     `json:"epoch"`
	Accuracy float64 `json:"accuracy"`
	Source   string  `json:"source"` // "live" or "ema"
}

// Metadata identifies the producing framework and creation time.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Checkpoint is a complete serialized parameter snapshot.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// NewCheckpoint builds a checkpoint from a parameter-name -> values
// mapping. Weights are sorted by name so the artifact is deterministic.
func NewCheckpoint(state map[string][]float64, groups map[string]string, ts TrainingState) *Checkpoint {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		values := state[name]
		data := make([]float64, len(values))
		copy(data, values)
		weights = append(weights, WeightTensor{
			Name:  name,
			Group: groups[name],
			Shape: []int{len(data)},
			Data:  data,
		})
	}
	return &Checkpoint{
		Weights:       weights,
		TrainingState: ts,
		Metadata: Metadata{
			Version:   "1.0.0",
			Framework: "go-finetune",
			CreatedAt: time.Now().UTC(),
		},
	}
}

// StateDict rebuilds the parameter-name -> values mapping.
func (c *Checkpoint) StateDict() map[string][]float64 {
	state := make(map[string][]float64, len(c.Weights))
	for _, w := range c.Weights {
		values := make([]float64, len(w.Data))
		copy(values, w.Data)
		state[w.Name] = values
	}
	return state
}

// Saver writes named checkpoints under a run directory.
type Saver struct {
	dir string
}

// NewSaver creates the run directory if needed.
func NewSaver(dir string) (*Saver, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &Saver{dir: dir}, nil
}

// Dir returns the run directory.
func (s *Saver) Dir() string { return s.dir }

// Save writes the checkpoint to <dir>/<name>. The write goes through a
// temporary file and rename so a crash never leaves a truncated best
// snapshot behind.
func (s *Saver) Save(name string, checkpoint *Checkpoint) error {
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(checkpoint); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint file: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize checkpoint: %v", err)
	}
	return nil
}

// Load reads the checkpoint named name from the run directory.
func (s *Saver) Load(name string) (*Checkpoint, error) {
	return Load(filepath.Join(s.dir, name))
}

// Load reads a checkpoint from an arbitrary path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
