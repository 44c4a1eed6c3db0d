package machine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

func newMachine(t *testing.T, nproc, ncpu int, maxTicks uint64, log *zap.Logger) *Machine {
	t.Helper()
	s, err := kernel.New(kernel.NewProcTable(nproc), kernel.DefaultPolicy(nproc))
	require.NoError(t, err)
	return New(s, Options{NCPU: ncpu, MaxTicks: maxTicks, Logger: log})
}

func run(t *testing.T, m *Machine) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rep, err := m.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Scheduler().VerifyTree())
	return rep
}

func TestMachine_EqualWeightsFinishTogether(t *testing.T) {
	m := newMachine(t, 64, 1, 0, nil)
	require.NoError(t, m.Spawn(Workload{Name: "a", Phases: []Phase{Compute(1000)}}))
	require.NoError(t, m.Spawn(Workload{Name: "b", Phases: []Phase{Compute(1000)}}))

	rep := run(t, m)
	require.Len(t, rep.Procs, 2)
	a, b := rep.Procs[0], rep.Procs[1]
	require.True(t, a.Exited)
	require.True(t, b.Exited)
	assert.Equal(t, uint64(1000), a.RunTicks)
	assert.Equal(t, uint64(1000), b.RunTicks)

	later := math.Max(float64(a.FinishTick), float64(b.FinishTick))
	diff := math.Abs(float64(a.FinishTick) - float64(b.FinishTick))
	assert.LessOrEqual(t, diff, 0.1*later, "finish ticks %d and %d", a.FinishTick, b.FinishTick)
	assert.Equal(t, kernel.Summary{Count: 0, TotalWeight: 0, Period: 32}, rep.Tree)
	assert.False(t, rep.Truncated)
	assert.NotEmpty(t, rep.RunID)
}

func TestMachine_NiceShare(t *testing.T) {
	m := newMachine(t, 64, 1, 500, nil)
	require.NoError(t, m.Spawn(Workload{Name: "heavy", Nice: -20, Phases: []Phase{Compute(100000)}}))
	require.NoError(t, m.Spawn(Workload{Name: "light", Nice: 19, Phases: []Phase{Compute(100000)}}))

	rep := run(t, m)
	assert.True(t, rep.Truncated)
	assert.Equal(t, uint64(500), rep.Ticks)

	heavy, ok := rep.Proc(1)
	require.True(t, ok)
	light, ok := rep.Proc(2)
	require.True(t, ok)
	assert.Equal(t, 88818, heavy.Weight)
	assert.Equal(t, 15, light.Weight)
	assert.False(t, heavy.Exited)

	total := float64(heavy.RunTicks + light.RunTicks)
	assert.Greater(t, float64(heavy.RunTicks)/total, 0.95)
	assert.GreaterOrEqual(t, light.RunTicks, uint64(1), "the light process is not starved outright")
}

func TestMachine_LateSpawnSeededFromMinimum(t *testing.T) {
	m := newMachine(t, 64, 1, 0, nil)
	require.NoError(t, m.Spawn(Workload{Name: "a", Phases: []Phase{Compute(300)}}))
	require.NoError(t, m.Spawn(Workload{Name: "c", Phases: []Phase{Compute(300)}}))
	require.NoError(t, m.Spawn(Workload{Name: "late", SpawnAt: 100, Phases: []Phase{Compute(50)}}))

	rep := run(t, m)
	late, ok := rep.Proc(3)
	require.True(t, ok)
	assert.Equal(t, uint64(100), late.AdmitTick)
	// a and c have each run about half of the first hundred ticks
	assert.InDelta(t, 50.0, late.AdmitVRuntime, 3.0)
	assert.True(t, late.Exited)
	assert.Equal(t, uint64(50), late.RunTicks)
}

func TestMachine_TimedSleep(t *testing.T) {
	m := newMachine(t, 8, 1, 0, nil)
	require.NoError(t, m.Spawn(Workload{Name: "napper", Phases: []Phase{Compute(5), Sleep(20), Compute(5)}}))

	rep := run(t, m)
	p := rep.Procs[0]
	assert.Equal(t, uint64(10), p.RunTicks)
	assert.GreaterOrEqual(t, p.FinishTick, uint64(30))
	assert.LessOrEqual(t, p.FinishTick, uint64(32))
	assert.Greater(t, p.Dispatches, uint64(2), "tick sleepers are woken every tick to recheck")
}

func TestMachine_KillEndsSleeper(t *testing.T) {
	m := newMachine(t, 8, 1, 50_000_000, nil)
	require.NoError(t, m.Spawn(Workload{Name: "sleeper", Phases: []Phase{Sleep(40_000_000)}}))
	require.NoError(t, m.Spawn(Workload{Name: "worker", Phases: []Phase{Compute(50)}}))

	done := make(chan *Report, 1)
	go func() {
		rep, err := m.Run(context.Background())
		assert.NoError(t, err)
		done <- rep
	}()

	require.Eventually(t, func() bool { return m.Scheduler().Ticks() > 60 }, 10*time.Second, time.Millisecond)
	require.NoError(t, m.Kill(1))

	var rep *Report
	select {
	case rep = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("machine did not stop after the last process was killed")
	}
	sleeper, ok := rep.Proc(1)
	require.True(t, ok)
	assert.True(t, sleeper.Exited)
	assert.True(t, sleeper.Killed)
	assert.Equal(t, uint64(0), sleeper.RunTicks)
	assert.False(t, rep.Truncated)
	assert.True(t, errors.Is(m.Kill(99), kerrors.ErrNotFound))
}

func TestMachine_MultiCPUStress(t *testing.T) {
	m := newMachine(t, 64, 4, 500_000, nil)
	want := map[string]int{}
	for i := 0; i < 24; i++ {
		w := Workload{
			Name:    fmt.Sprintf("w%02d", i),
			Nice:    (i%9)*5 - 20,
			SpawnAt: uint64(i%4) * 25,
			Phases:  []Phase{Compute(40 + i*3)},
		}
		if i%3 == 0 {
			w.Phases = append(w.Phases, Sleep(10+i), Compute(20))
		}
		want[w.Name] = w.CPUTicks()
		require.NoError(t, m.Spawn(w))
	}

	rep := run(t, m)
	assert.False(t, rep.Truncated)
	assert.Equal(t, 4, rep.NCPU)
	require.Len(t, rep.Procs, len(want))
	for _, p := range rep.Procs {
		assert.True(t, p.Exited, p.Name)
		assert.Equal(t, uint64(want[p.Name]), p.RunTicks, p.Name)
	}
	assert.Equal(t, kernel.Summary{Count: 0, TotalWeight: 0, Period: 32}, rep.Tree)
	assert.Equal(t, 0, m.Scheduler().Table().Live())
	assert.True(t, m.Scheduler().TreeBalanced())
}

func TestMachine_RejectsSpawnWhenTableFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := newMachine(t, 2, 1, 0, zap.New(core))
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Spawn(Workload{Name: name, Phases: []Phase{Compute(5)}}))
	}

	rep := run(t, m)
	assert.Equal(t, []string{"c"}, rep.Rejected)
	assert.Len(t, rep.Procs, 2)
	assert.Equal(t, 1, logs.FilterMessage("spawn rejected").Len())
}

func TestMachine_EmptyRunStopsImmediately(t *testing.T) {
	m := newMachine(t, 4, 2, 0, nil)
	rep := run(t, m)
	assert.Empty(t, rep.Procs)
	assert.Equal(t, uint64(0), rep.Ticks)
}

func TestMachine_CancelStopsRun(t *testing.T) {
	m := newMachine(t, 4, 2, 0, nil)
	require.NoError(t, m.Spawn(Workload{Name: "spin", Phases: []Phase{Compute(math.MaxInt32)}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for m.Scheduler().Ticks() < 10 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	rep, err := m.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Procs, 1)
	assert.False(t, rep.Procs[0].Exited)
	assert.Greater(t, rep.Procs[0].RunTicks, uint64(0))
	require.NoError(t, m.Scheduler().VerifyTree())
	assert.Equal(t, 1, rep.Tree.Count, "the interrupted process is back in the queue")
}

func TestWorkload_Validate(t *testing.T) {
	for _, w := range []Workload{
		{Phases: []Phase{Compute(1)}},
		{Name: "x", Phases: []Phase{{Kind: "spin", Ticks: 3}}},
		{Name: "x", Phases: []Phase{Sleep(0)}},
	} {
		err := w.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, kerrors.ErrInvalidConfig))
	}

	ok := Workload{Name: "ok", Phases: []Phase{Compute(3), Sleep(2), Compute(4)}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 7, ok.CPUTicks())

	m := newMachine(t, 4, 1, 0, nil)
	assert.Error(t, m.Spawn(Workload{Name: "bad", Phases: []Phase{Compute(-1)}}))
}

func TestTickBarrier(t *testing.T) {
	b := newTickBarrier(3)
	ctx := context.Background()
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- b.Await(ctx) }()
	}
	for i := 0; i < 3; i++ {
		assert.True(t, <-results)
	}

	cctx, cancel := context.WithCancel(ctx)
	go func() { results <- b.Await(cctx) }()
	cancel()
	assert.False(t, <-results)
}
