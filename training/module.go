package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Parameter group names. Each group gets its own learning rate and weight
// decay, mirroring differential fine-tuning of a pretrained backbone.
const (
	GroupBackboneFrozen = "backbone_frozen"
	GroupBackbone       = "backbone"
	GroupHead           = "head"
)

// Parameter is a named, group-tagged model parameter. Data holds the
// full-precision master values; Grad is the persistent reduced-precision
// gradient accumulation buffer (scaled by the GradScaler's loss scale
// until Unscale is called).
type Parameter struct {
	Name         string
	Group        string
	Data         []float64
	Grad         []float32
	RequiresGrad bool
}

// ZeroGrad resets the gradient accumulation buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Module is a differentiable model mapping a batch of flattened inputs to
// per-class logits. Forward and Backward run in reduced precision
// (float32); parameter masters stay in float64.
type Module interface {
	// Forward computes logits of shape [n, NumClasses()] for a batch of n
	// inputs, each of length InputDim(), packed row-major into x.
	Forward(x []float32, n int) ([]float32, error)

	// Backward accumulates parameter gradients given d(loss)/d(logits)
	// for the most recent Forward call. It never resets existing gradient
	// buffers, which is what makes gradient accumulation work.
	Backward(dlogits []float32, n int) error

	// Parameters returns all parameters in a stable order.
	Parameters() []*Parameter

	// ParameterGroups partitions the parameters by group name.
	ParameterGroups() map[string][]*Parameter

	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode (dropout disabled)
	IsTraining() bool // Returns true if in training mode

	// Clone returns a deep copy with independent parameter storage.
	Clone() Module

	// StateDict returns a copy of the full parameter-name -> values mapping.
	StateDict() map[string][]float64

	// LoadStateDict replaces parameter values from a state dict. The name
	// set and per-parameter lengths must match exactly.
	LoadStateDict(state map[string][]float64) error

	InputDim() int
	NumClasses() int
}

// linear is a fully connected layer y = xW^T + b with weight shape
// [out, in] (row-major). The float32 working copies of the masters are
// refreshed on every forward pass, which is the autocast boundary.
type linear struct {
	weight *Parameter
	bias   *Parameter
	in     int
	out    int

	w32       []float32 // weight cast buffer
	b32       []float32 // bias cast buffer
	lastInput []float32 // cached forward input for backward
	lastN     int
}

func newLinear(name, group string, in, out int, requiresGrad bool, rng *rand.Rand) *linear {
	// Xavier/Glorot uniform initialization
	bound := math.Sqrt(6.0 / float64(in+out))
	weight := &Parameter{
		Name:         name + ".weight",
		Group:        group,
		Data:         make([]float64, out*in),
		Grad:         make([]float32, out*in),
		RequiresGrad: requiresGrad,
	}
	for i := range weight.Data {
		weight.Data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	bias := &Parameter{
		Name:         name + ".bias",
		Group:        group,
		Data:         make([]float64, out),
		Grad:         make([]float32, out),
		RequiresGrad: requiresGrad,
	}
	return &linear{
		weight: weight,
		bias:   bias,
		in:     in,
		out:    out,
		w32:    make([]float32, out*in),
		b32:    make([]float32, out),
	}
}

// forward computes y = xW^T + b for x of shape [n, in].
func (l *linear) forward(x []float32, n int) []float32 {
	for i, v := range l.weight.Data {
		l.w32[i] = float32(v)
	}
	for i, v := range l.bias.Data {
		l.b32[i] = float32(v)
	}
	l.lastInput = x
	l.lastN = n

	y := make([]float32, n*l.out)
	for r := 0; r < n; r++ {
		copy(y[r*l.out:(r+1)*l.out], l.b32)
	}
	a := blas32.General{Rows: n, Cols: l.in, Stride: l.in, Data: x}
	w := blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.w32}
	c := blas32.General{Rows: n, Cols: l.out, Stride: l.out, Data: y}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, w, 1, c)
	return y
}

// backward accumulates dW += dy^T x and db += colsum(dy), and returns
// dx = dy W when needDX is true. Accumulation uses beta=1 so gradients
// from previous micro-batches are preserved.
func (l *linear) backward(dy []float32, needDX bool) []float32 {
	n := l.lastN
	dyG := blas32.General{Rows: n, Cols: l.out, Stride: l.out, Data: dy}
	if l.weight.RequiresGrad {
		x := blas32.General{Rows: n, Cols: l.in, Stride: l.in, Data: l.lastInput}
		dw := blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.weight.Grad}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, dyG, x, 1, dw)
		for r := 0; r < n; r++ {
			for j := 0; j < l.out; j++ {
				l.bias.Grad[j] += dy[r*l.out+j]
			}
		}
	}
	if !needDX {
		return nil
	}
	dx := make([]float32, n*l.in)
	w := blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.w32}
	dxG := blas32.General{Rows: n, Cols: l.in, Stride: l.in, Data: dx}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dyG, w, 0, dxG)
	return dx
}

// relu with cached activation mask for the backward pass.
type relu struct {
	mask []bool
}

func (r *relu) forward(x []float32) []float32 {
	if cap(r.mask) < len(x) {
		r.mask = make([]bool, len(x))
	}
	r.mask = r.mask[:len(x)]
	y := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			y[i] = v
			r.mask[i] = true
		} else {
			r.mask[i] = false
		}
	}
	return y
}

func (r *relu) backward(dy []float32) []float32 {
	dx := make([]float32, len(dy))
	for i, v := range dy {
		if r.mask[i] {
			dx[i] = v
		}
	}
	return dx
}

// dropout implements inverted dropout: active only in training mode,
// identity in eval mode so evaluation stays deterministic.
type dropout struct {
	prob float64
	rng  *rand.Rand
	keep []float32 // per-element multiplier from the last training forward
}

func (d *dropout) forward(x []float32, training bool) []float32 {
	if !training || d.prob <= 0 {
		d.keep = nil
		return x
	}
	if cap(d.keep) < len(x) {
		d.keep = make([]float32, len(x))
	}
	d.keep = d.keep[:len(x)]
	scale := float32(1.0 / (1.0 - d.prob))
	y := make([]float32, len(x))
	for i, v := range x {
		if d.rng.Float64() < d.prob {
			d.keep[i] = 0
		} else {
			d.keep[i] = scale
			y[i] = v * scale
		}
	}
	return y
}

func (d *dropout) backward(dy []float32) []float32 {
	if d.keep == nil {
		return dy
	}
	dx := make([]float32, len(dy))
	for i, v := range dy {
		dx[i] = v * d.keep[i]
	}
	return dx
}

// ClassifierConfig configures a FineTuneClassifier.
type ClassifierConfig struct {
	InputDim    int
	BackboneDim int // width of the frozen projection and the tunable block
	HiddenDim   int // width of the head's hidden layer
	NumClasses  int
	Seed        int64
}

func (c *ClassifierConfig) applyDefaults() {
	if c.BackboneDim <= 0 {
		c.BackboneDim = 256
	}
	if c.HiddenDim <= 0 {
		c.HiddenDim = 128
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// FineTuneClassifier is a fine-tuning surrogate for a pretrained
// convolutional backbone: a frozen feature projection (the "pretrained
// stem"), a tunable backbone block, and a freshly initialized
// classification head, each in its own parameter group.
type FineTuneClassifier struct {
	cfg ClassifierConfig

	frozen    *linear
	frozenAct *relu

	backbone    *linear
	backboneAct *relu

	headDrop1 *dropout
	headFC1   *linear
	headAct   *relu
	headDrop2 *dropout
	headFC2   *linear

	params   []*Parameter
	training bool
}

// NewFineTuneClassifier creates a classifier with deterministic, seeded
// weight initialization.
func NewFineTuneClassifier(cfg ClassifierConfig) (*FineTuneClassifier, error) {
	cfg.applyDefaults()
	if cfg.InputDim <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", cfg.InputDim)
	}
	if cfg.NumClasses <= 1 {
		return nil, fmt.Errorf("number of classes must be at least 2, got %d", cfg.NumClasses)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &FineTuneClassifier{
		cfg:      cfg,
		training: true,
	}
	m.frozen = newLinear("backbone_frozen.proj", GroupBackboneFrozen, cfg.InputDim, cfg.BackboneDim, false, rng)
	m.frozenAct = &relu{}
	m.backbone = newLinear("backbone.block", GroupBackbone, cfg.BackboneDim, cfg.BackboneDim, true, rng)
	m.backboneAct = &relu{}
	m.headDrop1 = &dropout{prob: 0.5, rng: rng}
	m.headFC1 = newLinear("head.fc1", GroupHead, cfg.BackboneDim, cfg.HiddenDim, true, rng)
	m.headAct = &relu{}
	m.headDrop2 = &dropout{prob: 0.3, rng: rng}
	m.headFC2 = newLinear("head.fc2", GroupHead, cfg.HiddenDim, cfg.NumClasses, true, rng)

	m.params = []*Parameter{
		m.frozen.weight, m.frozen.bias,
		m.backbone.weight, m.backbone.bias,
		m.headFC1.weight, m.headFC1.bias,
		m.headFC2.weight, m.headFC2.bias,
	}
	return m, nil
}

// Forward computes logits for a batch of n flattened inputs.
func (m *FineTuneClassifier) Forward(x []float32, n int) ([]float32, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	if len(x) != n*m.cfg.InputDim {
		return nil, fmt.Errorf("input length mismatch: expected %d, got %d", n*m.cfg.InputDim, len(x))
	}
	h := m.frozen.forward(x, n)
	h = m.frozenAct.forward(h)
	h = m.backbone.forward(h, n)
	h = m.backboneAct.forward(h)
	h = m.headDrop1.forward(h, m.training)
	h = m.headFC1.forward(h, n)
	h = m.headAct.forward(h)
	h = m.headDrop2.forward(h, m.training)
	return m.headFC2.forward(h, n), nil
}

// Backward accumulates gradients for d(loss)/d(logits) from the most
// recent Forward call.
func (m *FineTuneClassifier) Backward(dlogits []float32, n int) error {
	if len(dlogits) != n*m.cfg.NumClasses {
		return fmt.Errorf("gradient length mismatch: expected %d, got %d", n*m.cfg.NumClasses, len(dlogits))
	}
	d := m.headFC2.backward(dlogits, true)
	d = m.headDrop2.backward(d)
	d = m.headAct.backward(d)
	d = m.headFC1.backward(d, true)
	d = m.headDrop1.backward(d)
	d = m.backboneAct.backward(d)
	// The frozen projection needs no parameter or input gradients.
	m.backbone.backward(d, false)
	return nil
}

// Parameters returns all parameters, frozen ones included.
func (m *FineTuneClassifier) Parameters() []*Parameter {
	return m.params
}

// ParameterGroups partitions the parameters by group name.
func (m *FineTuneClassifier) ParameterGroups() map[string][]*Parameter {
	groups := make(map[string][]*Parameter)
	for _, p := range m.params {
		groups[p.Group] = append(groups[p.Group], p)
	}
	return groups
}

// Train sets the module to training mode.
func (m *FineTuneClassifier) Train() { m.training = true }

// Eval sets the module to evaluation mode.
func (m *FineTuneClassifier) Eval() { m.training = false }

// IsTraining returns true if in training mode.
func (m *FineTuneClassifier) IsTraining() bool { return m.training }

// InputDim returns the expected flattened input length per sample.
func (m *FineTuneClassifier) InputDim() int { return m.cfg.InputDim }

// NumClasses returns the logit width.
func (m *FineTuneClassifier) NumClasses() int { return m.cfg.NumClasses }

// Clone returns a deep copy with independent parameter storage, suitable
// as an EMA shadow.
func (m *FineTuneClassifier) Clone() Module {
	clone, err := NewFineTuneClassifier(m.cfg)
	if err != nil {
		// cfg was validated when m was built
		panic(fmt.Sprintf("clone failed: %v", err))
	}
	clone.training = m.training
	for i, p := range m.params {
		copy(clone.params[i].Data, p.Data)
	}
	return clone
}

// StateDict returns a copy of the parameter-name -> values mapping.
func (m *FineTuneClassifier) StateDict() map[string][]float64 {
	state := make(map[string][]float64, len(m.params))
	for _, p := range m.params {
		values := make([]float64, len(p.Data))
		copy(values, p.Data)
		state[p.Name] = values
	}
	return state
}

// LoadStateDict replaces parameter values from a state dict.
func (m *FineTuneClassifier) LoadStateDict(state map[string][]float64) error {
	if len(state) != len(m.params) {
		return fmt.Errorf("state dict has %d parameters, model has %d", len(state), len(m.params))
	}
	for _, p := range m.params {
		values, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state dict missing parameter %q", p.Name)
		}
		if len(values) != len(p.Data) {
			return fmt.Errorf("parameter %q size mismatch: state %d, model %d", p.Name, len(values), len(p.Data))
		}
		copy(p.Data, values)
	}
	return nil
}
