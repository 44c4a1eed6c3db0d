package kernel

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
)

// newArena returns n detached records with pids 1..n, nice 0.
func newArena(n int) []Proc {
	procs := make([]Proc, n)
	for i := range procs {
		procs[i].pid = i + 1
		procs[i].weight = ComputeWeight(0)
		procs[i].state = ProcRunnable
	}
	return procs
}

func TestRunQueue_EmptyState(t *testing.T) {
	rq := NewRunQueue(64, DefaultPolicy(64))
	assert.Equal(t, 0, rq.Len())
	assert.Equal(t, 0, rq.TotalWeight())
	assert.Equal(t, 32, rq.Period())
	assert.Nil(t, rq.Min())
	assert.Nil(t, rq.Minimum())
	assert.True(t, rq.Balanced())
	require.NoError(t, rq.Verify())
}

func TestRunQueue_SummaryScenario(t *testing.T) {
	rq := NewRunQueue(64, DefaultPolicy(64))
	procs := newArena(17)

	for i := 0; i < 10; i++ {
		require.NoError(t, rq.Insert(&procs[i]))
	}
	assert.Equal(t, 10, rq.Len())
	assert.Equal(t, 10240, rq.TotalWeight())
	assert.Equal(t, 32, rq.Period())

	for i := 10; i < 17; i++ {
		require.NoError(t, rq.Insert(&procs[i]))
	}
	assert.Equal(t, 17, rq.Len())
	assert.Equal(t, 34, rq.Period())

	for i := range procs {
		rq.Remove(&procs[i])
		require.NoError(t, rq.Verify())
	}
	assert.Equal(t, 0, rq.Len())
	assert.Equal(t, 0, rq.TotalWeight())
	assert.Equal(t, 32, rq.Period())
	assert.Nil(t, rq.Min())
}

func TestRunQueue_RandomizedInvariants(t *testing.T) {
	const n = 64
	rng := rand.New(rand.NewSource(7))
	rq := NewRunQueue(n, DefaultPolicy(n))
	procs := newArena(n)

	for step := 0; step < 5000; step++ {
		p := &procs[rng.Intn(n)]
		if p.queued {
			rq.Remove(p)
		} else {
			// a small key space forces plenty of equal keys
			p.vruntime = float64(rng.Intn(40))
			p.weight = ComputeWeight(rng.Intn(40) - 20)
			require.NoError(t, rq.Insert(p))
		}
		require.NoError(t, rq.Verify(), "step %d", step)
		require.True(t, rq.Balanced(), "step %d", step)
	}

	for i := range procs {
		if procs[i].queued {
			rq.Remove(&procs[i])
		}
	}
	require.NoError(t, rq.Verify())
	assert.Equal(t, 0, rq.Len())
	assert.Equal(t, 0, rq.TotalWeight())
}

func TestRunQueue_MinTracksTrueMinimum(t *testing.T) {
	rq := NewRunQueue(8, DefaultPolicy(8))
	procs := newArena(4)
	for i, v := range []float64{5, 3, 9, 1} {
		procs[i].vruntime = v
		require.NoError(t, rq.Insert(&procs[i]))
		assert.Same(t, rq.Minimum(), rq.Min())
	}
	assert.Equal(t, 4, rq.Min().pid)

	rq.Remove(&procs[3])
	assert.Equal(t, 2, rq.Min().pid)
	rq.Remove(&procs[2]) // not the minimum
	assert.Equal(t, 2, rq.Min().pid)
	rq.Remove(&procs[1])
	assert.Equal(t, 1, rq.Min().pid)
}

func TestRunQueue_TiesKeepInsertionOrder(t *testing.T) {
	rq := NewRunQueue(16, DefaultPolicy(16))
	procs := newArena(10)
	for i := range procs {
		require.NoError(t, rq.Insert(&procs[i]))
	}
	for want := 1; want <= 10; want++ {
		p := rq.Min()
		require.NotNil(t, p)
		assert.Equal(t, want, p.pid)
		rq.Remove(p)
	}
}

func TestRunQueue_WalkIsSorted(t *testing.T) {
	rq := NewRunQueue(32, DefaultPolicy(32))
	procs := newArena(20)
	rng := rand.New(rand.NewSource(3))
	for i := range procs {
		procs[i].vruntime = rng.Float64() * 100
		require.NoError(t, rq.Insert(&procs[i]))
	}
	prev := -1.0
	count := 0
	rq.Walk(func(p *Proc) bool {
		assert.GreaterOrEqual(t, p.vruntime, prev)
		prev = p.vruntime
		count++
		return true
	})
	assert.Equal(t, 20, count)
}

func TestRunQueue_CapacityExceeded(t *testing.T) {
	rq := NewRunQueue(2, DefaultPolicy(2))
	procs := newArena(3)
	require.NoError(t, rq.Insert(&procs[0]))
	require.NoError(t, rq.Insert(&procs[1]))
	assert.True(t, rq.Full())

	err := rq.Insert(&procs[2])
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrCapacityExceeded))
	assert.False(t, procs[2].queued)
	assert.Equal(t, 2, rq.Len())
	require.NoError(t, rq.Verify())
}

func TestRunQueue_DoubleInsertRejected(t *testing.T) {
	rq := NewRunQueue(4, DefaultPolicy(4))
	procs := newArena(1)
	require.NoError(t, rq.Insert(&procs[0]))
	err := rq.Insert(&procs[0])
	assert.True(t, errors.Is(err, kerrors.ErrInvariantViolation))
	assert.Equal(t, 1, rq.Len())
}

func TestRunQueue_RemoveAbsentPanics(t *testing.T) {
	rq := NewRunQueue(4, DefaultPolicy(4))
	procs := newArena(1)
	assert.Panics(t, func() { rq.Remove(&procs[0]) })
}

func TestRunQueue_BalancedDetectsViolations(t *testing.T) {
	rq := NewRunQueue(8, DefaultPolicy(8))
	procs := newArena(3)
	for i := range procs {
		procs[i].vruntime = float64(i)
		require.NoError(t, rq.Insert(&procs[i]))
	}
	// 1 <- 2 -> 3, black root with red children
	require.Equal(t, 2, rq.root.pid)
	require.True(t, rq.Balanced())

	rq.root.color = Red
	assert.False(t, rq.Balanced(), "red root")
	rq.root.color = Black

	rq.root.left.color = Black
	assert.False(t, rq.Balanced(), "unequal black height")
	err := rq.Verify()
	assert.True(t, errors.Is(err, kerrors.ErrInvariantViolation))
	rq.root.left.color = Red

	// hang a red child under a red node
	extra := &Proc{pid: 9, weight: 1024, vruntime: -1, color: Red, parent: rq.root.left, queued: true}
	rq.root.left.left = extra
	assert.False(t, rq.Balanced(), "red-red")
}

func TestRunQueue_VerifyCatchesStaleAggregates(t *testing.T) {
	rq := NewRunQueue(8, DefaultPolicy(8))
	procs := newArena(2)
	require.NoError(t, rq.Insert(&procs[0]))
	require.NoError(t, rq.Insert(&procs[1]))

	rq.totalWeight++
	assert.Error(t, rq.Verify())
	rq.totalWeight--

	rq.min = &procs[1]
	assert.Error(t, rq.Verify())
	rq.min = &procs[0]
	require.NoError(t, rq.Verify())
}
