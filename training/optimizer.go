package training

import (
	"fmt"
	"math"
)

// ParamGroup binds a set of parameters to a learning rate and weight
// decay. Schedulers mutate LR in place between epochs.
type ParamGroup struct {
	Name        string
	Params      []*Parameter
	LR          float64
	WeightDecay float64
}

// Optimizer is the interface the training loop and schedulers drive.
type Optimizer interface {
	Step() error // Updates parameters from their (unscaled) gradients
	ZeroGrad()   // Resets gradient buffers for all parameters
	ParamGroups() []*ParamGroup
}

// AdamWConfig holds the hyperparameters shared across parameter groups.
type AdamWConfig struct {
	Beta1 float64 // default 0.95
	Beta2 float64 // default 0.999
	Eps   float64 // default 1e-8
}

func (c *AdamWConfig) applyDefaults() {
	if c.Beta1 == 0 {
		c.Beta1 = 0.95
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
}

// AdamW implements Adam with decoupled weight decay over named parameter
// groups. Moment accumulators are float64 and keyed by parameter
// identity; only the optimizer's own Step mutates them.
type AdamW struct {
	groups []*ParamGroup
	beta1  float64
	beta2  float64
	eps    float64

	step uint64
	m    map[*Parameter][]float64
	v    map[*Parameter][]float64
}

// NewAdamW creates an AdamW optimizer over the given groups.
func NewAdamW(groups []*ParamGroup, cfg AdamWConfig) (*AdamW, error) {
	cfg.applyDefaults()
	if len(groups) == 0 {
		return nil, fmt.Errorf("optimizer requires at least one parameter group")
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got (%v, %v)", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("eps must be positive, got %v", cfg.Eps)
	}

	opt := &AdamW{
		groups: groups,
		beta1:  cfg.Beta1,
		beta2:  cfg.Beta2,
		eps:    cfg.Eps,
		m:      make(map[*Parameter][]float64),
		v:      make(map[*Parameter][]float64),
	}
	trainable := 0
	for _, group := range groups {
		if group.LR < 0 {
			return nil, fmt.Errorf("group %q has negative learning rate %v", group.Name, group.LR)
		}
		for _, p := range group.Params {
			if !p.RequiresGrad {
				continue
			}
			opt.m[p] = make([]float64, len(p.Data))
			opt.v[p] = make([]float64, len(p.Data))
			trainable++
		}
	}
	if trainable == 0 {
		return nil, fmt.Errorf("no trainable parameters in any group")
	}
	return opt, nil
}

// Step performs one AdamW update. Gradients must already be unscaled.
func (opt *AdamW) Step() error {
	opt.step++
	biasCorr1 := 1.0 - math.Pow(opt.beta1, float64(opt.step))
	biasCorr2 := 1.0 - math.Pow(opt.beta2, float64(opt.step))

	for _, group := range opt.groups {
		for _, p := range group.Params {
			if !p.RequiresGrad {
				continue
			}
			m := opt.m[p]
			v := opt.v[p]
			for i := range p.Data {
				g := float64(p.Grad[i])
				m[i] = opt.beta1*m[i] + (1.0-opt.beta1)*g
				v[i] = opt.beta2*v[i] + (1.0-opt.beta2)*g*g
				mHat := m[i] / biasCorr1
				vHat := v[i] / biasCorr2
				// Decoupled decay: applied to the parameter directly,
				// not folded into the gradient.
				p.Data[i] -= group.LR * group.WeightDecay * p.Data[i]
				p.Data[i] -= group.LR * mHat / (math.Sqrt(vHat) + opt.eps)
			}
		}
	}
	return nil
}

// ZeroGrad resets every parameter's gradient buffer.
func (opt *AdamW) ZeroGrad() {
	for _, group := range opt.groups {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}

// ParamGroups returns the optimizer's parameter groups.
func (opt *AdamW) ParamGroups() []*ParamGroup { return opt.groups }

// StepCount returns the number of optimizer steps taken so far.
func (opt *AdamW) StepCount() uint64 { return opt.step }

// ClipGradNorm rescales the gradients of all trainable parameters so
// their global L2 norm does not exceed maxNorm. It returns the norm
// observed before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}
		for _, g := range p.Grad {
			sumSq += float64(g) * float64(g)
		}
	}
	totalNorm := math.Sqrt(sumSq)
	if maxNorm > 0 && totalNorm > maxNorm {
		coeff := float32(maxNorm / totalNorm)
		for _, p := range params {
			if !p.RequiresGrad {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= coeff
			}
		}
	}
	return totalNorm
}

// OptimizerGroupsFor builds the standard fine-tuning groups from a
// module: a low learning rate for the tunable backbone and a higher one
// for the freshly initialized head. Frozen parameters stay out of the
// optimizer entirely.
func OptimizerGroupsFor(m Module) []*ParamGroup {
	byGroup := m.ParameterGroups()
	return []*ParamGroup{
		{Name: GroupBackbone, Params: byGroup[GroupBackbone], LR: 2e-5, WeightDecay: 0.001},
		{Name: GroupHead, Params: byGroup[GroupHead], LR: 5e-4, WeightDecay: 0.003},
	}
}
