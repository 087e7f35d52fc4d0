package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

func testWorker(id string, workload, budget float64, skills ...string) types.Worker {
	m := make(map[string]float64, len(skills))
	for _, s := range skills {
		m[s] = 0.8
	}
	return types.Worker{ID: id, Skills: m, Workload: workload, Budget: budget}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(nil, zap.NewNop())

	require.NoError(t, r.Register(testWorker("w1", 0.2, 1.0, "research")))
	require.NoError(t, r.Register(testWorker("w2", 0.5, 0.8, "coding")))

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 0.2, w.Workload)
	assert.True(t, w.HasSkills([]string{"research"}))
	assert.False(t, w.HasSkills([]string{"research", "coding"}))

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil, zap.NewNop())

	err := r.Register(types.Worker{Budget: 1})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	err = r.Register(types.Worker{ID: "w", Budget: 1.5})
	require.Error(t, err)
}

func TestReregisterKeepsOrderAndWorkload(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0, 1.0, "a")))
	require.NoError(t, r.Register(testWorker("w2", 0, 1.0, "a")))
	require.NoError(t, r.Reserve("w1", 0.4))

	// Refresh w1 with new skills; workload and order survive.
	require.NoError(t, r.Register(testWorker("w1", 0, 1.0, "a", "b")))

	w, _ := r.Get("w1")
	assert.Equal(t, 0.4, w.Workload)
	assert.Equal(t, "w1", r.List()[0].ID)
}

func TestReserveRespectsBudget(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0.7, 0.9, "a")))

	require.NoError(t, r.Reserve("w1", 0.2))
	err := r.Reserve("w1", 0.1)
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))

	require.NoError(t, r.Release("w1", 0.5))
	w, _ := r.Get("w1")
	assert.InDelta(t, 0.4, w.Workload, 1e-9)
}

func TestReleaseClampsAtZero(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0.1, 1.0, "a")))
	require.NoError(t, r.Release("w1", 0.5))
	w, _ := r.Get("w1")
	assert.Equal(t, 0.0, w.Workload)
}

func TestConcurrentReserve(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0, 1.0, "a")))

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Reserve("w1", 0.02)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// Budget 1.0 admits exactly 50 reservations of 0.02.
	assert.Equal(t, 50, succeeded)
	w, _ := r.Get("w1")
	assert.InDelta(t, 1.0, w.Workload, 1e-6)
}

func TestApplyMovesAtomic(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0.8, 1.0, "a")))
	require.NoError(t, r.Register(testWorker("w2", 0.9, 1.0, "a")))

	// Second move would overflow w2; nothing must change.
	err := r.ApplyMoves([]WorkloadMove{
		{FromWorker: "w1", ToWorker: "w2", Load: 0.05},
		{FromWorker: "w1", ToWorker: "w2", Load: 0.2},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))

	w1, _ := r.Get("w1")
	w2, _ := r.Get("w2")
	assert.Equal(t, 0.8, w1.Workload)
	assert.Equal(t, 0.9, w2.Workload)

	require.NoError(t, r.ApplyMoves([]WorkloadMove{
		{FromWorker: "w2", ToWorker: "w1", Load: 0.2},
	}))
	w1, _ = r.Get("w1")
	w2, _ = r.Get("w2")
	assert.InDelta(t, 1.0, w1.Workload, 1e-9)
	assert.InDelta(t, 0.7, w2.Workload, 1e-9)
}

func TestApplyMovesChainedBatch(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("a", 0.5, 1.0, "x")))
	require.NoError(t, r.Register(testWorker("b", 0.8, 1.0, "x")))
	require.NoError(t, r.Register(testWorker("c", 0.0, 1.0, "x")))

	// b transiently holds 1.2 if the moves ran one at a time; only the
	// final projection counts, so the batch must apply in full.
	require.NoError(t, r.ApplyMoves([]WorkloadMove{
		{FromWorker: "a", ToWorker: "b", Load: 0.4},
		{FromWorker: "b", ToWorker: "c", Load: 0.4},
	}))

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	c, _ := r.Get("c")
	assert.InDelta(t, 0.1, a.Workload, 1e-9)
	assert.InDelta(t, 0.8, b.Workload, 1e-9)
	assert.InDelta(t, 0.4, c.Workload, 1e-9)
	assert.InDelta(t, 1.3, a.Workload+b.Workload+c.Workload, 1e-9)
}

func TestApplyMovesExcludesConcurrentReserve(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("a", 0.6, 1.0, "x")))
	require.NoError(t, r.Register(testWorker("b", 0.0, 1.0, "x")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Reserve("b", 0.02)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.ApplyMoves([]WorkloadMove{{FromWorker: "a", ToWorker: "b", Load: 0.01}})
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, b never crossed its budget.
	b, _ := r.Get("b")
	assert.LessOrEqual(t, b.Workload, b.Budget+1e-9)
}

func TestRecordCompletionUpdatesThroughput(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0, 1.0, "a")))

	base := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordCompletion("w1", CompletionRecord{
			TaskID:    "t",
			Skills:    []string{"a"},
			Estimated: time.Hour,
			Actual:    time.Hour,
			At:        base.Add(time.Duration(i) * 30 * time.Minute),
		}))
	}

	w, _ := r.Get("w1")
	// 4 completions over 1.5h.
	assert.InDelta(t, 4.0/1.5, w.Throughput, 1e-6)

	recs, err := r.History("w1")
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestOverloadedAndSortedBySkill(t *testing.T) {
	r := New(nil, zap.NewNop())
	w1 := testWorker("w1", 0.9, 1.0, "research")
	w1.Skills["research"] = 0.5
	w2 := testWorker("w2", 0.3, 1.0, "research")
	w2.Skills["research"] = 0.9
	require.NoError(t, r.Register(w1))
	require.NoError(t, r.Register(w2))

	assert.Equal(t, []string{"w1"}, r.Overloaded(0.85))

	ranked := r.SortedBySkill("research")
	require.Len(t, ranked, 2)
	assert.Equal(t, "w2", ranked[0].ID)
}

func TestDeregister(t *testing.T) {
	r := New(nil, zap.NewNop())
	require.NoError(t, r.Register(testWorker("w1", 0, 1.0, "a")))
	require.NoError(t, r.Deregister("w1"))
	assert.Equal(t, 0, r.Len())

	err := r.Deregister("w1")
	assert.Equal(t, types.ErrWorkerNotFound, types.GetErrorCode(err))
}
