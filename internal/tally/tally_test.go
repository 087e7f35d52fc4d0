package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcoord/types"
)

func TestValidateOpen(t *testing.T) {
	assert.NoError(t, ValidateOpen("topic", "subject", []string{"a", "b"}))

	err := ValidateOpen("topic", "", []string{"a", "b"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	err = ValidateOpen("proposal", "subject", []string{"only"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestValidateParties(t *testing.T) {
	ok := []Party{{ID: "a", Weight: 0.5}, {ID: "b", Weight: 0.5}}
	require.NoError(t, ValidateParties("voter", ok, true))

	cases := []struct {
		name          string
		parties       []Party
		requireWeight bool
	}{
		{"empty", nil, false},
		{"missing id", []Party{{Weight: 1}}, false},
		{"duplicate id", []Party{{ID: "a", Weight: 1}, {ID: "a", Weight: 1}}, false},
		{"zero weight", []Party{{ID: "a"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParties("voter", tc.parties, tc.requireWeight)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		})
	}

	// Zero weight passes when weights are not in play.
	assert.NoError(t, ValidateParties("voter", []Party{{ID: "a"}}, false))
}

func TestLeading(t *testing.T) {
	tallies := map[string]float64{"a": 2, "b": 3, "c": 1}
	leading, weight, tied := Leading([]string{"a", "b", "c"}, tallies)
	assert.Equal(t, "b", leading)
	assert.Equal(t, 3.0, weight)
	assert.False(t, tied)

	// An exact tie at the top is reported, never silently resolved.
	_, _, tied = Leading([]string{"a", "b"}, map[string]float64{"a": 2, "b": 2})
	assert.True(t, tied)

	// No ballots at all: nothing leads and nothing is tied.
	leading, weight, tied = Leading([]string{"a", "b"}, map[string]float64{})
	assert.Empty(t, leading)
	assert.Zero(t, weight)
	assert.False(t, tied)
}

func TestLowest(t *testing.T) {
	tallies := map[string]float64{"a": 2, "b": 1, "c": 3}
	assert.Equal(t, "b", Lowest([]string{"a", "b", "c"}, tallies))

	// Exact ties break toward the option declared last.
	assert.Equal(t, "c", Lowest([]string{"b", "c"}, map[string]float64{"b": 1, "c": 1}))
}
