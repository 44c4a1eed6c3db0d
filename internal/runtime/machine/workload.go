package machine

import (
	"fmt"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

// PhaseKind names what a process does during one phase of its workload.
type PhaseKind string

const (
	PhaseCompute PhaseKind = "compute"
	PhaseSleep   PhaseKind = "sleep"
)

// Phase is one step of a workload: run for Ticks ticks of CPU time, or sleep
// for Ticks ticks of wall time.
type Phase struct {
	Kind  PhaseKind `yaml:"kind" json:"kind"`
	Ticks int       `yaml:"ticks" json:"ticks"`
}

// Compute returns a CPU-bound phase of n ticks.
func Compute(n int) Phase { return Phase{Kind: PhaseCompute, Ticks: n} }

// Sleep returns a timed sleep of n ticks.
func Sleep(n int) Phase { return Phase{Kind: PhaseSleep, Ticks: n} }

// Workload is the program a simulated process runs. The process exits after
// its last phase.
type Workload struct {
	Name    string  `yaml:"name" json:"name"`
	Nice    int     `yaml:"nice" json:"nice"`
	SpawnAt uint64  `yaml:"spawn_at" json:"spawn_at"`
	Phases  []Phase `yaml:"phases" json:"phases"`
}

// Validate checks phase kinds and lengths. Nice values are clamped at
// admission, not rejected.
func (w Workload) Validate() error {
	if w.Name == "" {
		return kerrors.InvalidConfig("workload.name", "", "must not be empty")
	}
	for i, ph := range w.Phases {
		field := fmt.Sprintf("workload[%s].phases[%d]", w.Name, i)
		switch ph.Kind {
		case PhaseCompute, PhaseSleep:
		default:
			return kerrors.InvalidConfig(field+".kind", string(ph.Kind), "want compute or sleep")
		}
		if ph.Ticks <= 0 {
			return kerrors.InvalidConfig(field+".ticks", fmt.Sprint(ph.Ticks), "must be positive")
		}
	}
	return nil
}

// CPUTicks is the total compute time the workload asks for.
func (w Workload) CPUTicks() int {
	n := 0
	for _, ph := range w.Phases {
		if ph.Kind == PhaseCompute {
			n += ph.Ticks
		}
	}
	return n
}

// task is the execution state of one spawned workload.
type task struct {
	w      Workload
	phase  int
	left   int    // ticks left in the current phase
	wakeAt uint64 // valid while sleeping
	asleep bool
	report ProcReport
}

func newTask(w Workload, pid int) *task {
	t := &task{w: w, report: ProcReport{PID: pid, Name: w.Name, Nice: kernel.ClampNice(w.Nice)}}
	if len(w.Phases) > 0 {
		t.left = w.Phases[0].Ticks
	}
	return t
}

// current returns the active phase, or nil once the workload is done.
func (t *task) current() *Phase {
	if t.phase >= len(t.w.Phases) {
		return nil
	}
	return &t.w.Phases[t.phase]
}

func (t *task) advance() {
	t.phase++
	t.asleep = false
	if ph := t.current(); ph != nil {
		t.left = ph.Ticks
	}
}
