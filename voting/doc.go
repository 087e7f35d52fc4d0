// Package voting resolves a concrete proposal in a single ballot round
// using simple-majority, weighted-majority, or ranked-choice tallying.
// Participation below the proposal's minimum yields an inconclusive
// outcome, ranked choice eliminates the weakest option iteratively until
// one holds a strict majority of the continuing weight, and an exact tie
// at the top is reported as tied rather than resolved arbitrarily.
package voting
