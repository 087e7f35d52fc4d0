// Package negotiation runs bounded-round bargaining between workers that
// contend over the same resource or task. An explicit round-counter state
// machine moves each session through Opening and numbered rounds to one of
// Agreement, Deadlock, or Timeout; a session can never stay open past its
// round cap or deadline. Participants concede per declared strategies
// (linear, exponential, step-wise), agreement lands at the midpoint of the
// overlapping acceptable ranges, and failed sessions return escalation
// recommendations instead of being silently resolved.
package negotiation
