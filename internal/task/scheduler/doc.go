// Package scheduler expands a post schedule (start instant, end date, frequency)
// into concrete fire instants.
//
// Expansion is pure and deterministic: it never reads the wall clock. Execution
// of the resulting instants is delegated to internal/task/engine, which owns the
// time queue and the dispatch loop.
package scheduler
