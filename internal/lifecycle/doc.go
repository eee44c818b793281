// Package lifecycle owns task status changes.
//
// Every change goes through the transition table in CheckTransition and is
// written together with exactly one history ledger entry inside a single
// unit of work supplied by a Store. Stores serialize units of work per task,
// so two callers can never both validate against the same stale status.
//
// The allowed edges are:
//
//	pending -> in_progress -> completed
//
// Service exposes the single-transition entry point (ApplyTransition) and the
// batch scheduler (ExecuteAllPending) on top of those primitives.
package lifecycle
