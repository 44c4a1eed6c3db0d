package kernel

import (
	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// DefaultMinGranularity is the smallest time slice, in ticks.
const DefaultMinGranularity = 2

// Policy holds the CFS tunables. BaseLatency and MinGranularity are in
// ticks; Tick is the virtual time a nice-0 process is charged per tick.
type Policy struct {
	BaseLatency    int     `yaml:"base_latency" json:"base_latency"`
	MinGranularity int     `yaml:"min_granularity" json:"min_granularity"`
	Tick           float64 `yaml:"tick" json:"tick"`
}

// DefaultPolicy returns the policy for a table of nproc slots: base latency
// nproc/2, minimum granularity 2 ticks, one unit of virtual time per tick.
func DefaultPolicy(nproc int) Policy {
	base := nproc / 2
	if base < 1 {
		base = 1
	}
	return Policy{BaseLatency: base, MinGranularity: DefaultMinGranularity, Tick: 1}
}

// Validate rejects tunables that would stall the scheduler.
func (pol Policy) Validate() error {
	if pol.BaseLatency < 1 {
		return kerrors.InvalidConfig("base_latency", pol.BaseLatency, "must be at least 1 tick")
	}
	if pol.MinGranularity < 1 {
		return kerrors.InvalidConfig("min_granularity", pol.MinGranularity, "must be at least 1 tick")
	}
	if pol.Tick <= 0 {
		return kerrors.InvalidConfig("tick", pol.Tick, "must be positive")
	}
	return nil
}

// Period is the scheduling latency for n runnable processes:
// max(BaseLatency, n*MinGranularity).
func (pol Policy) Period(n int) int {
	if p := n * pol.MinGranularity; p > pol.BaseLatency {
		return p
	}
	return pol.BaseLatency
}

// TimeSlice is a process's share of period, rounded half up and never below
// MinGranularity. A zero totalWeight means the process is alone.
func (pol Policy) TimeSlice(weight, totalWeight, period int) int {
	if totalWeight <= 0 {
		totalWeight = weight
	}
	if totalWeight <= 0 {
		return pol.MinGranularity
	}
	slice := (period*weight + totalWeight/2) / totalWeight
	if slice < pol.MinGranularity {
		return pol.MinGranularity
	}
	return slice
}

// VRuntimeDelta is the virtual runtime charged for one tick at weight.
func (pol Policy) VRuntimeDelta(weight int) float64 {
	if weight < 1 {
		weight = 1
	}
	return pol.Tick * NiceZeroWeight / float64(weight)
}

// charge accounts one tick of execution to p.
func (pol Policy) charge(p *Proc) {
	p.currRuntime++
	p.runTicks++
	p.vruntime += pol.VRuntimeDelta(p.weight)
}

// ShouldPreempt reports whether cur has used up its slice, or whether a
// queued process has strictly less virtual runtime. Equal vruntimes do not
// preempt.
func ShouldPreempt(cur *Proc, rq *RunQueue) bool {
	if cur.currRuntime >= cur.timeSlice {
		return true
	}
	if m := rq.Min(); m != nil && m.vruntime < cur.vruntime {
		return true
	}
	return false
}
