package training

import (
	"fmt"
	"math"
)

// CosineWarmRestarts implements cosine annealing with warm restarts: the
// learning rate decays along a cosine within a period, then restarts,
// with each successive period TMult times longer. GetLR is a pure
// function of the epoch.
type CosineWarmRestarts struct {
	T0     int     // length of the first period, in epochs
	TMult  int     // period-length multiplier per restart
	EtaMin float64 // learning rate floor
}

// NewCosineWarmRestarts creates a warm-restart cosine schedule.
func NewCosineWarmRestarts(t0, tMult int, etaMin float64) (*CosineWarmRestarts, error) {
	if t0 <= 0 {
		return nil, fmt.Errorf("T0 must be positive, got %d", t0)
	}
	if tMult < 1 {
		return nil, fmt.Errorf("TMult must be at least 1, got %d", tMult)
	}
	if etaMin < 0 {
		return nil, fmt.Errorf("eta_min must be non-negative, got %v", etaMin)
	}
	return &CosineWarmRestarts{T0: t0, TMult: tMult, EtaMin: etaMin}, nil
}

// GetLR returns the learning rate for the given epoch and base rate.
func (s *CosineWarmRestarts) GetLR(epoch int, baseLR float64) float64 {
	tCur, tI := s.phase(epoch)
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(tCur)/float64(tI)))/2
}

// phase locates epoch within the restart cycle: the position inside the
// current period and that period's length.
func (s *CosineWarmRestarts) phase(epoch int) (tCur, tI int) {
	if epoch < 0 {
		return 0, s.T0
	}
	if s.TMult == 1 {
		return epoch % s.T0, s.T0
	}
	tI = s.T0
	for epoch >= tI {
		epoch -= tI
		tI *= s.TMult
	}
	return epoch, tI
}

// GetName returns the scheduler name for logging.
func (s *CosineWarmRestarts) GetName() string { return "CosineWarmRestarts" }

// ReduceLROnPlateau reduces every parameter group's learning rate by
// Factor when the monitored metric has stopped improving for Patience
// consecutive calls. Mode "max" treats larger metrics as better;
// improvement is relative: metric must exceed best*(1+Threshold).
type ReduceLROnPlateau struct {
	Factor    float64 // multiplicative LR reduction, in (0, 1)
	Patience  int     // calls without improvement before reducing
	Threshold float64 // relative improvement threshold
	Mode      string  // "max" or "min"
	Cooldown  int     // calls to ignore after a reduction

	bestMetric  float64
	badEpochs   int
	cooldownCtr int
	initialized bool
}

// NewReduceLROnPlateau creates a plateau-triggered decay schedule.
func NewReduceLROnPlateau(factor float64, patience int, threshold float64, mode string) (*ReduceLROnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("factor must be in (0, 1), got %v", factor)
	}
	if patience <= 0 {
		return nil, fmt.Errorf("patience must be positive, got %d", patience)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("threshold must be non-negative, got %v", threshold)
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf("mode must be \"min\" or \"max\", got %q", mode)
	}
	return &ReduceLROnPlateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}, nil
}

// Step feeds the epoch's metric and reduces the groups' learning rates
// when the plateau condition fires. It returns true when a reduction
// happened.
func (s *ReduceLROnPlateau) Step(metric float64, groups []*ParamGroup) bool {
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return false
	}

	if s.improved(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
		if s.cooldownCtr > 0 {
			s.cooldownCtr--
		}
		return false
	}

	if s.cooldownCtr > 0 {
		s.cooldownCtr--
		return false
	}

	s.badEpochs++
	if s.badEpochs < s.Patience {
		return false
	}
	for _, group := range groups {
		group.LR *= s.Factor
	}
	s.badEpochs = 0
	s.cooldownCtr = s.Cooldown
	return true
}

func (s *ReduceLROnPlateau) improved(metric float64) bool {
	if s.Mode == "max" {
		return metric > s.bestMetric*(1+s.Threshold)
	}
	return metric < s.bestMetric*(1-s.Threshold)
}

// GetName returns the scheduler name for logging.
func (s *ReduceLROnPlateau) GetName() string { return "ReduceLROnPlateau" }

// SchedulePhase identifies which schedule currently drives the optimizer.
type SchedulePhase int

const (
	// PhaseCosine is the initial warm-restart cosine phase.
	PhaseCosine SchedulePhase = iota
	// PhasePlateau is the terminal metric-driven phase.
	PhasePlateau
)

func (p SchedulePhase) String() string {
	if p == PhasePlateau {
		return "plateau"
	}
	return "cosine"
}

// ScheduleController owns the two schedulers and the one-way handoff
// between them. Before SwitchEpoch the cosine schedule rewrites each
// group's learning rate from its configured base; from SwitchEpoch on,
// the plateau schedule reduces whatever rates cosine left behind. The
// handoff re-bases the plateau phase on the cosine terminal rates
// exactly once, as an explicit transition action.
type ScheduleController struct {
	cosine      *CosineWarmRestarts
	plateau     *ReduceLROnPlateau
	opt         Optimizer
	switchEpoch int

	phase       SchedulePhase
	baseLRs     map[string]float64 // configured bases, for the cosine phase
	plateauBase map[string]float64 // captured at the handoff
}

// NewScheduleController wires the two schedules to an optimizer. The
// groups' learning rates at construction time become the cosine bases.
func NewScheduleController(opt Optimizer, cosine *CosineWarmRestarts, plateau *ReduceLROnPlateau, switchEpoch int) (*ScheduleController, error) {
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if cosine == nil || plateau == nil {
		return nil, fmt.Errorf("both schedulers are required")
	}
	if switchEpoch <= 0 {
		return nil, fmt.Errorf("switch epoch must be positive, got %d", switchEpoch)
	}
	baseLRs := make(map[string]float64)
	for _, group := range opt.ParamGroups() {
		baseLRs[group.Name] = group.LR
	}
	return &ScheduleController{
		cosine:      cosine,
		plateau:     plateau,
		opt:         opt,
		switchEpoch: switchEpoch,
		phase:       PhaseCosine,
		baseLRs:     baseLRs,
	}, nil
}

// Step advances the active schedule for the finished epoch. The plateau
// phase consumes the epoch's validation accuracy; the cosine phase
// ignores it.
func (c *ScheduleController) Step(epoch int, valAccuracy float64) {
	groups := c.opt.ParamGroups()
	if epoch < c.switchEpoch {
		for _, group := range groups {
			group.LR = c.cosine.GetLR(epoch, c.baseLRs[group.Name])
		}
		return
	}

	if c.phase == PhaseCosine {
		// One-way transition: plateau reductions are relative to the
		// rates the cosine phase converged to, never the configured
		// defaults.
		c.plateauBase = make(map[string]float64)
		for _, group := range groups {
			c.plateauBase[group.Name] = group.LR
		}
		c.phase = PhasePlateau
	}
	c.plateau.Step(valAccuracy, groups)
}

// Phase returns the currently active schedule phase.
func (c *ScheduleController) Phase() SchedulePhase { return c.phase }

// PlateauBaselines returns the per-group learning rates captured at the
// cosine-to-plateau handoff, or nil before the handoff.
func (c *ScheduleController) PlateauBaselines() map[string]float64 { return c.plateauBase }

// GetName returns the active scheduler name for logging.
func (c *ScheduleController) GetName() string {
	if c.phase == PhasePlateau {
		return c.plateau.GetName()
	}
	return c.cosine.GetName()
}
