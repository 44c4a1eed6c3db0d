package kernel

import (
	"go.uber.org/zap"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// Summary is a snapshot of the run queue aggregates.
type Summary struct {
	Count       int `json:"count"`
	TotalWeight int `json:"total_weight"`
	Period      int `json:"period"`
}

// ProcInfo is a snapshot of one process's scheduling fields.
type ProcInfo struct {
	PID         int     `json:"pid"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Nice        int     `json:"nice_value"`
	Weight      int     `json:"weight"`
	VRuntime    float64 `json:"vruntime"`
	CurrRuntime int     `json:"curr_runtime"`
	TimeSlice   int     `json:"time_slice"`
	RunTicks    uint64  `json:"run_ticks"`
	Dispatches  uint64  `json:"dispatches"`
	Preemptions uint64  `json:"preemptions"`
	Killed      bool    `json:"killed"`
}

// NodeInfo describes one run queue node. Absent links are -1.
type NodeInfo struct {
	PID       int     `json:"pid"`
	VRuntime  float64 `json:"vruntime"`
	Color     string  `json:"color"`
	LeftPID   int     `json:"left_pid"`
	RightPID  int     `json:"right_pid"`
	ParentPID int     `json:"parent_pid"`
}

func linkPID(p *Proc) int {
	if p == nil {
		return -1
	}
	return p.pid
}

func (p *Proc) info() ProcInfo {
	return ProcInfo{
		PID:         p.pid,
		Name:        p.name,
		State:       p.state.String(),
		Nice:        p.nice,
		Weight:      p.weight,
		VRuntime:    p.vruntime,
		CurrRuntime: p.currRuntime,
		TimeSlice:   p.timeSlice,
		RunTicks:    p.runTicks,
		Dispatches:  p.dispatches,
		Preemptions: p.preemptions,
		Killed:      p.killed.Load(),
	}
}

// SetNice clamps nice into range, stores it and recomputes the weight. A
// queued process keeps its place; the queue's total weight follows the new
// weight at once, its slice on its next admission.
func (s *Scheduler) SetNice(pid, nice int) error {
	var err error
	s.table.lock.Do(OwnerExternal, func() {
		p := s.table.lookup(pid)
		if p == nil {
			err = kerrors.NoSuchProcess(pid)
			return
		}
		old := p.weight
		p.nice = ClampNice(nice)
		p.weight = ComputeWeight(p.nice)
		if p.queued {
			s.rq.totalWeight += p.weight - old
		}
		s.log.Info("nice changed",
			zap.Int("pid", pid),
			zap.Int("nice", p.nice),
			zap.Int("weight", p.weight))
	})
	return err
}

// TreeSummary returns (count, total weight, period) of the run queue.
func (s *Scheduler) TreeSummary() Summary {
	var sum Summary
	s.table.lock.Do(OwnerExternal, func() {
		sum = Summary{Count: s.rq.length, TotalWeight: s.rq.totalWeight, Period: s.rq.period}
	})
	return sum
}

// ProcInfo returns the scheduling fields of pid.
func (s *Scheduler) ProcInfo(pid int) (ProcInfo, error) {
	var (
		info ProcInfo
		err  error
	)
	s.table.lock.Do(OwnerExternal, func() {
		p := s.table.lookup(pid)
		if p == nil {
			err = kerrors.NoSuchProcess(pid)
			return
		}
		info = p.info()
	})
	return info, err
}

// Procs returns a snapshot of every allocated slot in table order.
func (s *Scheduler) Procs() []ProcInfo {
	var out []ProcInfo
	s.table.lock.Do(OwnerExternal, func() {
		for i := range s.table.procs {
			if p := &s.table.procs[i]; p.state != ProcUnused {
				out = append(out, p.info())
			}
		}
	})
	return out
}

// TreeBalanced runs the red-black coloring check.
func (s *Scheduler) TreeBalanced() bool {
	ok := false
	s.table.lock.Do(OwnerExternal, func() { ok = s.rq.Balanced() })
	return ok
}

// VerifyTree runs the full integrity check, including the aggregates.
func (s *Scheduler) VerifyTree() error {
	var err error
	s.table.lock.Do(OwnerExternal, func() { err = s.rq.Verify() })
	return err
}

// TreeNodes lists at most limit nodes in vruntime order.
func (s *Scheduler) TreeNodes(limit int) []NodeInfo {
	if limit <= 0 {
		return nil
	}
	var nodes []NodeInfo
	s.table.lock.Do(OwnerExternal, func() {
		s.rq.Walk(func(p *Proc) bool {
			nodes = append(nodes, NodeInfo{
				PID:       p.pid,
				VRuntime:  p.vruntime,
				Color:     p.color.String(),
				LeftPID:   linkPID(p.left),
				RightPID:  linkPID(p.right),
				ParentPID: linkPID(p.parent),
			})
			return len(nodes) < limit
		})
	})
	return nodes
}
