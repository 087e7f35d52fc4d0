// Package tally holds the ballot math and participant validation shared
// by the consensus and voting packages.
package tally

import "github.com/BaSui01/agentcoord/types"

// Party is one eligible participant with its ballot weight.
type Party struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

// ValidateOpen checks the common preconditions for opening a decision:
// a subject and at least two options.
func ValidateOpen(kind, subject string, options []string) error {
	if subject == "" {
		return types.NewErrorf(types.ErrValidation, "%s subject is required", kind)
	}
	if len(options) < 2 {
		return types.NewErrorf(types.ErrValidation,
			"%s requires at least two options, got %d", kind, len(options))
	}
	return nil
}

// ValidateParties checks that parties are present, uniquely identified,
// and, when requireWeight is set, positively weighted. role names the
// party kind in error messages.
func ValidateParties(role string, parties []Party, requireWeight bool) error {
	if len(parties) == 0 {
		return types.NewErrorf(types.ErrValidation, "at least one %s is required", role)
	}
	seen := make(map[string]bool, len(parties))
	for _, p := range parties {
		if p.ID == "" {
			return types.NewErrorf(types.ErrValidation, "%s id is required", role)
		}
		if seen[p.ID] {
			return types.NewErrorf(types.ErrValidation, "duplicate %s %q", role, p.ID)
		}
		seen[p.ID] = true
		if requireWeight && p.Weight <= 0 {
			return types.NewErrorf(types.ErrValidation,
				"%s %q weight must be positive", role, p.ID)
		}
	}
	return nil
}

// Contains reports whether option is among the declared options.
func Contains(options []string, option string) bool {
	for _, o := range options {
		if o == option {
			return true
		}
	}
	return false
}

// Leading finds the heaviest option, walking options in declared order so
// the scan is deterministic. tied is true when the top weight is shared
// and positive.
func Leading(options []string, tallies map[string]float64) (leading string, weight float64, tied bool) {
	for _, option := range options {
		w := tallies[option]
		switch {
		case w > weight:
			leading, weight, tied = option, w, false
		case w == weight && w > 0:
			tied = true
		}
	}
	return leading, weight, tied
}

// Lowest picks the elimination candidate: the least weight, breaking
// exact ties toward the option declared last.
func Lowest(options []string, tallies map[string]float64) string {
	lowest := options[0]
	for _, option := range options[1:] {
		if tallies[option] <= tallies[lowest] {
			lowest = option
		}
	}
	return lowest
}
