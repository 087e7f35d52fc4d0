package types

import "time"

// Worker is a capability/workload snapshot of one autonomous worker as seen
// by the allocator. The registry owns the authoritative copy; callers get
// value copies.
type Worker struct {
	// ID is the unique worker identifier.
	ID string `json:"id"`

	// Name is an optional display name.
	Name string `json:"name,omitempty"`

	// Skills maps skill name to proficiency in [0,1].
	Skills map[string]float64 `json:"skills"`

	// Workload is the current load fraction in [0,1].
	Workload float64 `json:"workload"`

	// Budget caps the workload the worker may carry, in [0,1].
	Budget float64 `json:"budget"`

	// Affinities names workers this worker collaborates well with.
	Affinities []string `json:"affinities,omitempty"`

	// Throughput is completed task weight per hour, maintained from
	// execution feedback. Zero means no history yet.
	Throughput float64 `json:"throughput,omitempty"`

	// RegisteredAt orders workers for deterministic tie-breaking.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasSkills reports whether the worker holds every named skill.
func (w *Worker) HasSkills(required []string) bool {
	for _, s := range required {
		if _, ok := w.Skills[s]; !ok {
			return false
		}
	}
	return true
}

// HasAffinity reports whether the worker declares an affinity for id.
func (w *Worker) HasAffinity(id string) bool {
	for _, a := range w.Affinities {
		if a == id {
			return true
		}
	}
	return false
}

// FreeBudget returns the remaining workload headroom, never negative.
func (w *Worker) FreeBudget() float64 {
	free := w.Budget - w.Workload
	if free < 0 {
		return 0
	}
	return free
}
