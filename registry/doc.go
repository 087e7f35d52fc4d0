// Package registry tracks the worker fleet: skills with proficiency,
// current workload against a budget, collaboration affinities, and
// execution-feedback history.
//
// Workload mutation is serialized per worker, so independent assignments
// proceed concurrently while a single worker's counter never races.
// Batch moves (rebalancing) apply atomically under a commit lock: the
// whole batch is validated against a consistent view, then applied, or
// rejected without touching any worker.
package registry
