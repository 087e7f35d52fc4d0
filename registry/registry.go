package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

// CompletionRecord is one piece of execution feedback used by the
// completion predictor.
type CompletionRecord struct {
	TaskID    string
	Skills    []string
	Estimated time.Duration
	Actual    time.Duration
	At        time.Time
}

// workerEntry holds one worker plus the lock that serializes workload
// mutation for that worker.
type workerEntry struct {
	mu      sync.Mutex
	worker  types.Worker
	history []CompletionRecord
}

// Config holds configuration for the worker registry.
type Config struct {
	// HistoryLimit caps retained completion records per worker.
	HistoryLimit int `json:"history_limit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{HistoryLimit: 64}
}

// Registry tracks each worker's skills, workload, and budget. Reads take a
// shared lock; workload mutation is serialized per worker so concurrent
// assignments to different workers never contend.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*workerEntry
	order   []string // registration order, for deterministic tie-breaks

	// commitMu serializes batch applications (rebalance moves) against
	// single-worker reservations: Reserve and Release hold it shared,
	// ApplyMoves holds it exclusively from validation through apply.
	commitMu sync.RWMutex

	config *Config
	logger *zap.Logger
}

// New creates an empty worker registry.
func New(config *Config, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers: make(map[string]*workerEntry),
		config:  config,
		logger:  logger.With(zap.String("component", "worker_registry")),
	}
}

// Register adds a worker. Re-registering an existing ID refreshes its
// skills and budget but keeps its registration order and workload.
func (r *Registry) Register(w types.Worker) error {
	if w.ID == "" {
		return types.NewError(types.ErrValidation, "worker id is required")
	}
	if w.Budget <= 0 || w.Budget > 1 {
		return types.NewErrorf(types.ErrValidation, "worker %q budget must be in (0,1]", w.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.workers[w.ID]; ok {
		e.mu.Lock()
		w.Workload = e.worker.Workload
		w.RegisteredAt = e.worker.RegisteredAt
		e.worker = w
		e.mu.Unlock()
		r.logger.Info("worker refreshed", zap.String("worker_id", w.ID))
		return nil
	}

	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now()
	}
	r.workers[w.ID] = &workerEntry{worker: w}
	r.order = append(r.order, w.ID)
	r.logger.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.Int("skills", len(w.Skills)),
		zap.Float64("budget", w.Budget),
	)
	return nil
}

// Deregister removes a worker.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return types.NewErrorf(types.ErrWorkerNotFound, "worker %q not registered", id)
	}
	delete(r.workers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("worker deregistered", zap.String("worker_id", id))
	return nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(id string) (types.Worker, bool) {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return types.Worker{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneWorker(e.worker), true
}

// List returns copies of all workers in registration order.
func (r *Registry) List() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.order))
	for _, id := range r.order {
		e := r.workers[id]
		e.mu.Lock()
		out = append(out, cloneWorker(e.worker))
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Reserve adds load to a worker's workload, failing if the result would
// exceed its budget. The per-worker lock makes concurrent reservations
// against the same worker safe.
func (r *Registry) Reserve(id string, load float64) error {
	r.commitMu.RLock()
	defer r.commitMu.RUnlock()

	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.worker.Workload+load > e.worker.Budget+1e-9 {
		return types.NewErrorf(types.ErrBudgetExceeded,
			"worker %q workload %.2f + %.2f exceeds budget %.2f",
			id, e.worker.Workload, load, e.worker.Budget)
	}
	e.worker.Workload += load
	return nil
}

// Release subtracts load from a worker's workload, clamping at zero.
func (r *Registry) Release(id string, load float64) error {
	r.commitMu.RLock()
	defer r.commitMu.RUnlock()

	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.worker.Workload -= load
	if e.worker.Workload < 0 {
		e.worker.Workload = 0
	}
	return nil
}

// WorkloadMove transfers load between two workers as part of a batch.
type WorkloadMove struct {
	FromWorker string
	ToWorker   string
	Load       float64
}

// ApplyMoves applies a set of workload moves atomically: either every move
// is applied or none is. Only the final projected workloads are checked
// against budgets, so chained moves whose intermediate states overflow a
// worker are still valid. Used by rebalancing.
func (r *Registry) ApplyMoves(moves []WorkloadMove) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	// Validate the whole batch against a consistent view first. The
	// exclusive commit lock keeps Reserve and Release out until the
	// projected workloads have been written back.
	projected := make(map[string]float64)
	for _, m := range moves {
		for _, id := range []string{m.FromWorker, m.ToWorker} {
			if _, ok := projected[id]; ok {
				continue
			}
			w, ok := r.Get(id)
			if !ok {
				return types.NewErrorf(types.ErrWorkerNotFound, "worker %q not registered", id)
			}
			projected[id] = w.Workload
		}
		projected[m.FromWorker] -= m.Load
		projected[m.ToWorker] += m.Load
	}
	for id, load := range projected {
		w, _ := r.Get(id)
		if load > w.Budget+1e-9 {
			return types.NewErrorf(types.ErrBudgetExceeded,
				"move batch would put worker %q at %.2f over budget %.2f", id, load, w.Budget)
		}
		if load < -1e-9 {
			return types.NewErrorf(types.ErrValidation,
				"move batch would put worker %q at negative workload", id)
		}
	}

	// Commit the validated projection directly. No step below can fail,
	// so a half-applied batch is impossible.
	r.mu.RLock()
	for id, load := range projected {
		e, ok := r.workers[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		if load < 0 {
			load = 0
		}
		e.worker.Workload = load
		e.mu.Unlock()
	}
	r.mu.RUnlock()
	r.logger.Info("workload moves applied", zap.Int("moves", len(moves)))
	return nil
}

// RecordCompletion feeds execution feedback into the worker's history and
// refreshes its observed throughput.
func (r *Registry) RecordCompletion(id string, rec CompletionRecord) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	e.history = append(e.history, rec)
	if len(e.history) > r.config.HistoryLimit {
		e.history = e.history[len(e.history)-r.config.HistoryLimit:]
	}

	// Throughput: completed tasks per hour over the retained window.
	if n := len(e.history); n > 1 {
		span := e.history[n-1].At.Sub(e.history[0].At)
		if span > 0 {
			e.worker.Throughput = float64(n) / span.Hours()
		}
	}
	return nil
}

// History returns a copy of the worker's completion records.
func (r *Registry) History(id string) ([]CompletionRecord, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CompletionRecord, len(e.history))
	copy(out, e.history)
	return out, nil
}

// Overloaded returns the IDs of workers whose workload exceeds threshold,
// in registration order.
func (r *Registry) Overloaded(threshold float64) []string {
	var out []string
	for _, w := range r.List() {
		if w.Workload > threshold {
			out = append(out, w.ID)
		}
	}
	return out
}

// SortedBySkill returns workers holding the skill, best proficiency first.
func (r *Registry) SortedBySkill(skill string) []types.Worker {
	all := r.List()
	out := all[:0]
	for _, w := range all {
		if _, ok := w.Skills[skill]; ok {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Skills[skill] > out[j].Skills[skill]
	})
	return out
}

func (r *Registry) entry(id string) (*workerEntry, error) {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrWorkerNotFound, "worker %q not registered", id)
	}
	return e, nil
}

func cloneWorker(w types.Worker) types.Worker {
	out := w
	out.Skills = make(map[string]float64, len(w.Skills))
	for k, v := range w.Skills {
		out.Skills[k] = v
	}
	out.Affinities = append([]string(nil), w.Affinities...)
	return out
}
