// Package alloc implements the task allocation core: multi-criteria
// scoring of tasks against candidate workers, allocation with
// deterministic tie-breaking, workload rebalancing, completion
// prediction, and failure recovery.
//
// The scorer combines four criteria (skill coverage, resource headroom,
// deadline slack, collaboration affinity) under a weight vector summing
// to 1. The allocator enforces hard constraints (skill coverage, deadline
// feasibility) before scoring; ties resolve by skill term, then lowest
// workload, then earliest registration, so allocation is reproducible.
//
// The distribution optimizer is read-only: it proposes a target
// distribution and ranked moves; the rebalancer applies them as an atomic
// batch, and only when the predicted aggregate throughput does not drop.
package alloc
