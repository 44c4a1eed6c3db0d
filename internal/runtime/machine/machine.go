// Package machine simulates a multiprocessor around the CFS scheduler. Each
// CPU runs the kernel dispatch loop; processes execute Workload programs and
// are charged one tick per simulated timer interrupt.
package machine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

// Options configures a Machine.
type Options struct {
	NCPU     int
	MaxTicks uint64 // 0 runs until every workload has exited
	Logger   *zap.Logger
}

// ProcReport summarizes one process at exit, or at the end of the run for
// processes that did not finish.
type ProcReport struct {
	PID           int     `json:"pid"`
	Name          string  `json:"name"`
	Nice          int     `json:"nice"`
	Weight        int     `json:"weight"`
	RunTicks      uint64  `json:"run_ticks"`
	Dispatches    uint64  `json:"dispatches"`
	Preemptions   uint64  `json:"preemptions"`
	AdmitTick     uint64  `json:"admit_tick"`
	AdmitVRuntime float64 `json:"admit_vruntime"`
	FinishTick    uint64  `json:"finish_tick"`
	VRuntime      float64 `json:"vruntime"`
	Exited        bool    `json:"exited"`
	Killed        bool    `json:"killed"`
}

// Report is the outcome of Run.
type Report struct {
	RunID     string         `json:"run_id"`
	NCPU      int            `json:"ncpu"`
	Ticks     uint64         `json:"ticks"`
	Truncated bool           `json:"truncated"`
	Rejected  []string       `json:"rejected,omitempty"`
	Tree      kernel.Summary `json:"tree"`
	Procs     []ProcReport   `json:"procs"`
}

// Proc returns the report for pid.
func (r *Report) Proc(pid int) (ProcReport, bool) {
	for _, p := range r.Procs {
		if p.PID == pid {
			return p, true
		}
	}
	return ProcReport{}, false
}

// Machine owns the CPUs and implements kernel.Switcher. A Machine runs once.
type Machine struct {
	sched *kernel.Scheduler
	cpus  []*kernel.CPU
	opts  Options
	runID string
	log   *zap.Logger

	ctx     context.Context
	stop    context.CancelFunc
	barrier *tickBarrier

	remaining atomic.Int64
	truncated atomic.Bool

	mu       sync.Mutex
	pending  []Workload
	tasks    map[int]*task
	zombies  []int
	rejected []string
}

// New creates a machine with opts.NCPU CPUs around sched.
func New(sched *kernel.Scheduler, opts Options) *Machine {
	if opts.NCPU < 1 {
		opts.NCPU = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	runID := uuid.NewString()
	m := &Machine{
		sched: sched,
		opts:  opts,
		runID: runID,
		log:   opts.Logger.Named("machine").With(zap.String("run_id", runID)),
		tasks: make(map[int]*task),
	}
	for i := 0; i < opts.NCPU; i++ {
		m.cpus = append(m.cpus, &kernel.CPU{ID: i})
	}
	return m
}

// RunID identifies this machine in logs and reports.
func (m *Machine) RunID() string { return m.runID }

// Scheduler returns the scheduler the machine drives.
func (m *Machine) Scheduler() *kernel.Scheduler { return m.sched }

// Spawn schedules w to be created once the global clock reaches w.SpawnAt.
func (m *Machine) Spawn(w Workload) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending = append(m.pending, w)
	m.mu.Unlock()
	m.remaining.Add(1)
	return nil
}

// Kill flags pid for termination. It exits at its next step.
func (m *Machine) Kill(pid int) error { return m.sched.Kill(pid) }

// Run boots every CPU and blocks until all workloads have exited, MaxTicks
// have elapsed or ctx is done. A halted CPU stops the whole machine and its
// error is returned alongside the partial report.
func (m *Machine) Run(ctx context.Context) (*Report, error) {
	g, gctx := errgroup.WithContext(ctx)
	m.ctx, m.stop = context.WithCancel(gctx)
	defer m.stop()
	m.barrier = newTickBarrier(len(m.cpus))

	m.log.Info("boot",
		zap.Int("ncpu", len(m.cpus)),
		zap.Int("nproc", m.sched.Table().Cap()),
		zap.Uint64("max_ticks", m.opts.MaxTicks),
		zap.Int64("workloads", m.remaining.Load()))

	m.spawnDue()
	if m.remaining.Load() == 0 {
		m.stop()
	}

	for _, cpu := range m.cpus {
		cpu := cpu
		g.Go(func() error {
			return m.sched.Dispatch(m.ctx, cpu, m)
		})
	}
	err := g.Wait()
	m.reapZombies()

	rep := m.report()
	m.log.Info("halt",
		zap.Uint64("ticks", rep.Ticks),
		zap.Bool("truncated", rep.Truncated),
		zap.Int("procs", len(rep.Procs)),
		zap.Error(err))
	return rep, err
}

// ============================================================================
// kernel.Switcher
// ============================================================================

// Switch runs p on cpu until it yields, sleeps or exits. It is entered with
// the table lock held; the lock is dropped while p executes and the
// scheduler call that ends the slice hands it back.
func (m *Machine) Switch(cpu *kernel.CPU, p *kernel.Proc) {
	m.sched.Table().Lock().Release(cpu.ID)

	m.mu.Lock()
	t := m.tasks[p.PID()]
	m.mu.Unlock()
	if t == nil {
		// admitted behind the machine's back: nothing to run
		m.log.Warn("no workload for process", zap.Int("pid", p.PID()), zap.String("name", p.Name()))
		m.sched.Exit(cpu)
		m.mu.Lock()
		m.zombies = append(m.zombies, p.PID())
		m.mu.Unlock()
		return
	}
	m.execute(cpu, p, t)
}

// Idle burns one tick on a CPU with nothing to run.
func (m *Machine) Idle(ctx context.Context, cpu *kernel.CPU) {
	m.tick(cpu)
}

// execute steps t's workload. Every path ends in exactly one of Yield, Sleep
// or Exit, which return with the table lock held.
func (m *Machine) execute(cpu *kernel.CPU, p *kernel.Proc, t *task) {
	for {
		if p.Killed() {
			m.exit(cpu, p, t)
			return
		}
		ph := t.current()
		if ph == nil {
			m.exit(cpu, p, t)
			return
		}

		switch ph.Kind {
		case PhaseSleep:
			now := m.sched.Ticks()
			if !t.asleep {
				t.asleep = true
				t.wakeAt = now + uint64(ph.Ticks)
			}
			if now >= t.wakeAt {
				t.advance()
				continue
			}
			m.sched.Sleep(cpu, m.sched.TickChan())
			return

		case PhaseCompute:
			preempt, ok := m.tick(cpu)
			if !ok {
				m.sched.Yield(cpu)
				return
			}
			t.left--
			if t.left == 0 {
				t.advance()
			}
			if preempt {
				m.sched.Yield(cpu)
				return
			}
		}
	}
}

// tick waits for every CPU to reach the tick edge and delivers the timer
// interrupt to cpu. CPU 0 also does the machine-wide housekeeping. ok is
// false once the machine is stopping.
func (m *Machine) tick(cpu *kernel.CPU) (preempt, ok bool) {
	if !m.barrier.Await(m.ctx) {
		return false, false
	}
	preempt = m.sched.Tick(cpu)
	if cpu.ID == 0 {
		m.housekeeping()
	}
	return preempt, true
}

func (m *Machine) housekeeping() {
	m.reapZombies()
	m.spawnDue()
	if m.opts.MaxTicks > 0 && m.sched.Ticks() >= m.opts.MaxTicks {
		if !m.truncated.Swap(true) {
			m.log.Info("tick limit reached", zap.Uint64("ticks", m.sched.Ticks()))
		}
		m.stop()
	}
}

// exit records t's final accounting and turns p into a zombie. It returns
// with the table lock held.
func (m *Machine) exit(cpu *kernel.CPU, p *kernel.Proc, t *task) {
	pid := p.PID()
	if info, err := m.sched.ProcInfo(pid); err == nil {
		t.report.fill(info)
	}
	t.report.FinishTick = m.sched.Ticks()
	t.report.Exited = true
	t.report.Killed = p.Killed()

	m.sched.Exit(cpu)

	m.mu.Lock()
	m.zombies = append(m.zombies, pid)
	m.mu.Unlock()

	m.log.Debug("process exited",
		zap.Int("pid", pid),
		zap.String("name", t.report.Name),
		zap.Uint64("run_ticks", t.report.RunTicks),
		zap.Bool("killed", t.report.Killed))

	if m.remaining.Add(-1) == 0 {
		m.stop()
	}
}

// spawnDue creates every pending workload whose start tick has passed.
func (m *Machine) spawnDue() {
	now := m.sched.Ticks()
	m.mu.Lock()
	var due []Workload
	kept := m.pending[:0]
	for _, w := range m.pending {
		if w.SpawnAt <= now {
			due = append(due, w)
		} else {
			kept = append(kept, w)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	for _, w := range due {
		if err := m.spawn(w); err != nil {
			m.log.Warn("spawn rejected", zap.String("name", w.Name), zap.Error(err))
			m.mu.Lock()
			m.rejected = append(m.rejected, w.Name)
			m.mu.Unlock()
			if m.remaining.Add(-1) == 0 {
				m.stop()
			}
		}
	}
}

func (m *Machine) spawn(w Workload) error {
	table := m.sched.Table()
	p, err := table.Alloc(w.Name)
	if err != nil {
		return err
	}
	if err := m.sched.SetNice(p.PID(), w.Nice); err != nil {
		return err
	}
	t := newTask(w, p.PID())
	t.report.AdmitTick = m.sched.Ticks()

	m.mu.Lock()
	m.tasks[p.PID()] = t
	m.mu.Unlock()

	if err := m.sched.Admit(p); err != nil {
		return fmt.Errorf("admit %s: %w", w.Name, err)
	}
	if info, err := m.sched.ProcInfo(p.PID()); err == nil {
		t.report.AdmitVRuntime = info.VRuntime
		t.report.Weight = info.Weight
	}
	m.log.Debug("spawned",
		zap.Int("pid", p.PID()),
		zap.String("name", w.Name),
		zap.Int("nice", w.Nice),
		zap.Uint64("tick", t.report.AdmitTick))
	return nil
}

func (m *Machine) reapZombies() {
	m.mu.Lock()
	zombies := m.zombies
	m.zombies = nil
	m.mu.Unlock()

	for _, pid := range zombies {
		if err := m.sched.Reap(pid); err != nil {
			m.log.Error("reap failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

func (r *ProcReport) fill(info kernel.ProcInfo) {
	r.Nice = info.Nice
	r.Weight = info.Weight
	r.RunTicks = info.RunTicks
	r.Dispatches = info.Dispatches
	r.Preemptions = info.Preemptions
	r.VRuntime = info.VRuntime
}

func (m *Machine) report() *Report {
	rep := &Report{
		RunID:     m.runID,
		NCPU:      len(m.cpus),
		Ticks:     m.sched.Ticks(),
		Truncated: m.truncated.Load(),
		Tree:      m.sched.TreeSummary(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rep.Rejected = append(rep.Rejected, m.rejected...)
	for pid, t := range m.tasks {
		if !t.report.Exited {
			if info, err := m.sched.ProcInfo(pid); err == nil {
				t.report.fill(info)
				t.report.Killed = info.Killed
			}
		}
		rep.Procs = append(rep.Procs, t.report)
	}
	sort.Slice(rep.Procs, func(i, j int) bool { return rep.Procs[i].PID < rep.Procs[j].PID })
	return rep
}
