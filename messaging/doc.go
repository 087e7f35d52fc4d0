// Package messaging provides point-to-point and group message delivery
// between workers. The Router handles single-recipient sends with payload
// validation, routing preferences, bounded retry with backoff, expiry,
// rate limiting, and escalation on terminal failure. The Broadcaster fans
// messages out to named groups with per-member filtering and aggregated
// delivery outcomes.
package messaging
