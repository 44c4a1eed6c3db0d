package kernel

import (
	"fmt"
	"sync/atomic"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// ProcState is the run state of a process table slot.
type ProcState int

const (
	ProcUnused ProcState = iota
	ProcEmbryo
	ProcSleeping
	ProcRunnable
	ProcRunning
	ProcZombie
)

func (s ProcState) String() string {
	switch s {
	case ProcUnused:
		return "unused"
	case ProcEmbryo:
		return "embryo"
	case ProcSleeping:
		return "sleeping"
	case ProcRunnable:
		return "runnable"
	case ProcRunning:
		return "running"
	case ProcZombie:
		return "zombie"
	}
	return fmt.Sprintf("ProcState(%d)", int(s))
}

// Color of a run queue node. A nil child counts as Black.
type Color int

const (
	Red Color = iota
	Black
)

func (c Color) String() string {
	if c == Red {
		return "red"
	}
	return "black"
}

// Proc is one process table slot. Apart from pid and name, which are fixed
// between Alloc and Free, every field is guarded by the table lock.
type Proc struct {
	pid    int
	name   string
	state  ProcState
	sleep  any // channel the process sleeps on
	killed atomic.Bool

	// CFS accounting
	nice        int
	weight      int
	vruntime    float64
	currRuntime int
	timeSlice   int
	seeded      bool

	// run queue links; weak references into the table array
	color  Color
	left   *Proc
	right  *Proc
	parent *Proc
	queued bool

	// statistics
	runTicks    uint64
	dispatches  uint64
	preemptions uint64
}

// PID returns the process id. Zero for an unused slot.
func (p *Proc) PID() int { return p.pid }

// Name returns the debugging name given at allocation.
func (p *Proc) Name() string { return p.name }

// Killed reports whether Kill has been called for this process.
func (p *Proc) Killed() bool { return p.killed.Load() }

func (p *Proc) resetSched() {
	p.sleep = nil
	p.killed.Store(false)
	p.nice = 0
	p.weight = ComputeWeight(0)
	p.vruntime = 0
	p.currRuntime = 0
	p.timeSlice = 0
	p.seeded = false
	p.color = Red
	p.left, p.right, p.parent = nil, nil, nil
	p.queued = false
	p.runTicks, p.dispatches, p.preemptions = 0, 0, 0
}

// ProcTable is the fixed-capacity array of process records together with
// the lock that guards it. The scheduler links records into its run queue
// but never allocates or frees them.
type ProcTable struct {
	lock    TableLock
	procs   []Proc
	nextPID int
}

// NewProcTable creates a table with nproc slots.
func NewProcTable(nproc int) *ProcTable {
	if nproc < 1 {
		nproc = 1
	}
	return &ProcTable{procs: make([]Proc, nproc), nextPID: 1}
}

// Lock returns the table lock.
func (t *ProcTable) Lock() *TableLock { return &t.lock }

// Cap returns NPROC, the number of slots.
func (t *ProcTable) Cap() int { return len(t.procs) }

// Alloc finds an unused slot and moves it to EMBRYO with a fresh pid and
// default CFS fields.
func (t *ProcTable) Alloc(name string) (*Proc, error) {
	var found *Proc
	t.lock.Do(OwnerExternal, func() {
		for i := range t.procs {
			p := &t.procs[i]
			if p.state != ProcUnused {
				continue
			}
			p.resetSched()
			p.state = ProcEmbryo
			p.pid = t.nextPID
			p.name = name
			t.nextPID++
			found = p
			return
		}
	})
	if found == nil {
		return nil, kerrors.NewStandardError(kerrors.CategoryCapacity, "PROC_TABLE_FULL",
			fmt.Sprintf("process table full: %d slots", len(t.procs)),
			map[string]interface{}{"nproc": len(t.procs)})
	}
	return found, nil
}

// free returns a zombie slot to UNUSED. Caller holds the lock.
func (t *ProcTable) free(p *Proc) {
	p.resetSched()
	p.pid = 0
	p.name = ""
	p.state = ProcUnused
}

// lookup finds a live process by pid. Caller holds the lock.
func (t *ProcTable) lookup(pid int) *Proc {
	if pid <= 0 {
		return nil
	}
	for i := range t.procs {
		p := &t.procs[i]
		if p.state != ProcUnused && p.pid == pid {
			return p
		}
	}
	return nil
}

// Live counts slots that are neither UNUSED nor ZOMBIE.
func (t *ProcTable) Live() int {
	n := 0
	t.lock.Do(OwnerExternal, func() {
		for i := range t.procs {
			switch t.procs[i].state {
			case ProcUnused, ProcZombie:
			default:
				n++
			}
		}
	})
	return n
}
