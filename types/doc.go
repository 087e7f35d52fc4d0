// Package types defines the shared data model for the coordination layer:
// tasks, workers, allocations, failures, messages, protocol results, and
// the unified structured error type used across packages.
//
// Types here are plain data. Behavior (scoring, routing, protocol state
// machines) lives in the packages that consume them.
package types
