// Package consensus runs structured multi-phase deliberation over a
// decision topic among weighted stakeholder groups. A topic moves through
// a fixed-duration discussion phase (evidence collection), a voting phase
// (weighted preferences), and an evaluation phase; consensus is achieved
// only when participation meets the minimum and the leading option's
// weighted support meets the threshold. Dissenting positions are preserved
// in the result as protected minority opinions.
package consensus
