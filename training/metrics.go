package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MetricsSink receives (scalar name, value, epoch) triples emitted by the
// trainer after every epoch. Implementations must tolerate any ordering
// of names within an epoch.
type MetricsSink interface {
	LogScalar(name string, value float64, epoch int) error
}

// NopMetricsSink discards everything.
type NopMetricsSink struct{}

// LogScalar discards the scalar.
func (NopMetricsSink) LogScalar(name string, value float64, epoch int) error { return nil }

// scalarRecord is one line of a JSONL metrics file.
type scalarRecord struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Epoch int     `json:"epoch"`
}

// JSONLMetricsSink appends one JSON object per scalar to a file,
// suitable for offline plotting.
type JSONLMetricsSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLMetricsSink creates (or truncates) the metrics file at path.
func NewJSONLMetricsSink(path string) (*JSONLMetricsSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics file: %v", err)
	}
	return &JSONLMetricsSink{file: file, enc: json.NewEncoder(file)}, nil
}

// LogScalar appends one scalar record.
func (s *JSONLMetricsSink) LogScalar(name string, value float64, epoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(scalarRecord{Name: name, Value: value, Epoch: epoch}); err != nil {
		return fmt.Errorf("failed to encode metric %s: %v", name, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *JSONLMetricsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
