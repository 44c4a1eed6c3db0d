// Package kernel provides the CFS process scheduler: the weight model, the
// vruntime-ordered red-black run queue, the slice/preemption policy and the
// lifecycle hooks the dispatch loop drives.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// ============================================================================
// CPUs and the context-switch collaborator
// ============================================================================

// CPU is one execution context running a dispatch loop.
type CPU struct {
	ID   int
	proc *Proc
}

// Proc returns the process currently running on c, or nil.
func (c *CPU) Proc() *Proc { return c.proc }

// Switcher is the context-switch primitive the scheduler is built against.
//
// Switch runs p on cpu and returns once p has given the CPU back. It is
// called with the table lock held by cpu and must return with it held again;
// the implementation releases it while p executes. Before returning, p must
// have left the RUNNING state through Yield, Sleep or Exit.
//
// Idle is called without the lock when nothing is runnable.
type Switcher interface {
	Switch(cpu *CPU, p *Proc)
	Idle(ctx context.Context, cpu *CPU)
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler is the process-wide CFS state: one run queue over one process
// table, guarded by the table's lock. It is created at boot and never torn
// down.
type Scheduler struct {
	table *ProcTable
	rq    *RunQueue
	log   *zap.Logger
	ticks atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates the scheduler for table. The run queue holds at most
// table.Cap() records.
func New(table *ProcTable, pol Policy, opts ...Option) (*Scheduler, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		table: table,
		rq:    NewRunQueue(table.Cap(), pol),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("sched")
	return s, nil
}

// Table returns the process table the scheduler links into.
func (s *Scheduler) Table() *ProcTable { return s.table }

// Ticks returns the global tick counter.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// TickChan is the sleep channel woken on every global tick.
func (s *Scheduler) TickChan() any { return &s.ticks }

// Policy returns the active tunables.
func (s *Scheduler) Policy() Policy {
	var pol Policy
	s.table.lock.Do(OwnerExternal, func() { pol = s.rq.policy })
	return pol
}

// SetTunables replaces the policy and recomputes the current period. Time
// slices already handed out are kept until their owners re-enter the queue.
func (s *Scheduler) SetTunables(pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	s.table.lock.Do(OwnerExternal, func() {
		s.rq.policy = pol
		s.rq.period = pol.Period(s.rq.length)
	})
	s.log.Info("tunables updated",
		zap.Int("base_latency", pol.BaseLatency),
		zap.Int("min_granularity", pol.MinGranularity),
		zap.Float64("tick", pol.Tick))
	return nil
}

// ============================================================================
// Run queue hooks (table lock held)
// ============================================================================

// addToTree admits a RUNNABLE record. The first admission seeds vruntime
// from the queue minimum so a new process cannot starve older ones. A full
// queue cannot happen with a correctly sized table and is fatal.
func (s *Scheduler) addToTree(p *Proc) {
	if !p.seeded {
		p.seeded = true
		if m := s.rq.Min(); m != nil {
			p.vruntime = m.vruntime
		}
	}
	if err := s.rq.Insert(p); err != nil {
		s.log.Error("run queue insert failed", zap.Int("pid", p.pid), zap.Error(err))
		panic(err)
	}
	p.currRuntime = 0
	p.timeSlice = s.rq.policy.TimeSlice(p.weight, s.rq.totalWeight, s.rq.period)
	s.log.Debug("admitted",
		zap.Int("pid", p.pid),
		zap.Float64("vruntime", p.vruntime),
		zap.Int("slice", p.timeSlice),
		zap.Int("queued", s.rq.length))
}

// nextProcess removes and returns the process with the least vruntime.
func (s *Scheduler) nextProcess() *Proc {
	p := s.rq.Min()
	if p == nil {
		return nil
	}
	s.rq.Remove(p)
	return p
}

// placeOnWake keeps a woken sleeper from rejoining far behind the queue.
func (s *Scheduler) placeOnWake(p *Proc) {
	if m := s.rq.Min(); m != nil && p.vruntime < m.vruntime {
		p.vruntime = m.vruntime
	}
}

// wakeup1 makes every process sleeping on ch runnable.
func (s *Scheduler) wakeup1(ch any) {
	for i := range s.table.procs {
		p := &s.table.procs[i]
		if p.state == ProcSleeping && p.sleep == ch {
			p.sleep = nil
			p.state = ProcRunnable
			s.placeOnWake(p)
			s.addToTree(p)
		}
	}
}

// ============================================================================
// Dispatch loop
// ============================================================================

// Dispatch is the per-CPU scheduler loop. It repeatedly takes the queue
// minimum, marks it RUNNING and switches to it; when the process gives the
// CPU back it is re-queued if still RUNNABLE and left out otherwise.
//
// Dispatch returns nil when ctx is done. A structural failure (a full run
// queue, a corrupted tree, a broken lock hand-off) halts this CPU and is
// returned as an error.
func (s *Scheduler) Dispatch(ctx context.Context, cpu *CPU, sw Switcher) (err error) {
	lk := &s.table.lock
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if lk.Holding(cpu.ID) {
			lk.Release(cpu.ID)
		}
		cpu.proc = nil
		s.log.Error("cpu halted", zap.Int("cpu", cpu.ID), zap.Any("cause", r))
		if e, ok := r.(error); ok {
			err = fmt.Errorf("cpu %d halted: %w", cpu.ID, e)
			return
		}
		err = fmt.Errorf("cpu %d halted: %v", cpu.ID, r)
	}()

	for ctx.Err() == nil {
		lk.Acquire(cpu.ID)
		p := s.nextProcess()
		if p == nil {
			lk.Release(cpu.ID)
			sw.Idle(ctx, cpu)
			continue
		}

		p.state = ProcRunning
		p.dispatches++
		cpu.proc = p
		s.log.Debug("dispatch",
			zap.Int("cpu", cpu.ID),
			zap.Int("pid", p.pid),
			zap.Float64("vruntime", p.vruntime))

		sw.Switch(cpu, p)

		if !lk.Holding(cpu.ID) {
			panic(fmt.Sprintf("dispatch: cpu %d regained control without the table lock", cpu.ID))
		}
		if p.state == ProcRunning {
			panic(fmt.Sprintf("dispatch: pid %d still running after switch", p.pid))
		}
		cpu.proc = nil
		if p.state == ProcRunnable {
			s.addToTree(p)
		}
		lk.Release(cpu.ID)
	}
	return nil
}

// ============================================================================
// Process-side transitions
// ============================================================================

// Admit moves a freshly allocated EMBRYO process to RUNNABLE and queues it.
func (s *Scheduler) Admit(p *Proc) error {
	var err error
	s.table.lock.Do(OwnerExternal, func() {
		if p.state != ProcEmbryo {
			err = fmt.Errorf("admit pid %d: state %s, want embryo", p.pid, p.state)
			return
		}
		p.state = ProcRunnable
		s.addToTree(p)
	})
	return err
}

// Tick delivers one timer tick to cpu. CPU 0 advances the global clock and
// wakes tick sleepers. The running process, if any, is charged one tick.
// The result tells the caller whether that process should yield now.
func (s *Scheduler) Tick(cpu *CPU) bool {
	preempt := false
	s.table.lock.Do(cpu.ID, func() {
		if cpu.ID == 0 {
			s.ticks.Add(1)
			s.wakeup1(s.TickChan())
		}
		p := cpu.proc
		if p == nil || p.state != ProcRunning {
			return
		}
		s.rq.policy.charge(p)
		preempt = ShouldPreempt(p, s.rq)
		if preempt {
			p.preemptions++
		}
	})
	return preempt
}

// Yield gives up the CPU for one round. It returns with the table lock held;
// the caller hands control straight back to the dispatch loop, which
// re-queues the process.
func (s *Scheduler) Yield(cpu *CPU) {
	s.table.lock.Acquire(cpu.ID)
	cpu.proc.state = ProcRunnable
	s.sched(cpu)
}

// Sleep blocks the running process on ch. It returns with the table lock
// held, like Yield. The process stays out of the run queue until Wakeup(ch).
func (s *Scheduler) Sleep(cpu *CPU, ch any) {
	if ch == nil {
		panic("sleep: nil channel")
	}
	s.table.lock.Acquire(cpu.ID)
	cpu.proc.sleep = ch
	cpu.proc.state = ProcSleeping
	s.sched(cpu)
}

// Exit turns the running process into a zombie. It returns with the table
// lock held, like Yield.
func (s *Scheduler) Exit(cpu *CPU) {
	s.table.lock.Acquire(cpu.ID)
	cpu.proc.state = ProcZombie
	s.log.Debug("exit",
		zap.Int("pid", cpu.proc.pid),
		zap.Uint64("ticks", cpu.proc.runTicks),
		zap.Float64("vruntime", cpu.proc.vruntime))
	s.sched(cpu)
}

// sched checks the hand-off conditions before control returns to Dispatch.
func (s *Scheduler) sched(cpu *CPU) {
	if !s.table.lock.Holding(cpu.ID) {
		panic("sched: table lock not held")
	}
	if cpu.proc.state == ProcRunning {
		panic("sched: process still running")
	}
}

// Wakeup makes every process sleeping on ch runnable.
func (s *Scheduler) Wakeup(ch any) {
	s.table.lock.Do(OwnerExternal, func() { s.wakeup1(ch) })
}

// Kill flags pid for termination. A sleeping victim is woken so it can
// notice; a queued or running one exits the next time it is observed.
func (s *Scheduler) Kill(pid int) error {
	var err error
	s.table.lock.Do(OwnerExternal, func() {
		p := s.table.lookup(pid)
		if p == nil {
			err = kerrors.NoSuchProcess(pid)
			return
		}
		p.killed.Store(true)
		if p.state == ProcSleeping {
			p.sleep = nil
			p.state = ProcRunnable
			s.placeOnWake(p)
			s.addToTree(p)
		}
		s.log.Info("killed", zap.Int("pid", pid), zap.String("state", p.state.String()))
	})
	return err
}

// Reap frees a zombie's table slot.
func (s *Scheduler) Reap(pid int) error {
	var err error
	s.table.lock.Do(OwnerExternal, func() {
		p := s.table.lookup(pid)
		if p == nil {
			err = kerrors.NoSuchProcess(pid)
			return
		}
		if p.state != ProcZombie {
			err = fmt.Errorf("reap pid %d: state %s, want zombie", pid, p.state)
			return
		}
		s.table.free(p)
	})
	return err
}
