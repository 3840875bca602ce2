// Package engine provides the parameter reconciliation and provisioning-rule
// engine of the froyo ACS.
//
// # Overview
//
// When a CPE contacts the ACS, the engine decides which remote parameters to
// read, which to write and which vendor rules to apply. A session moves through
// a small state machine:
//
//	open -> resolving -> applying -> (resolving | done | aborted)
//
// During RESOLVING the RuleScript runs every RuleUnit in order. Units call
// RuleContext.Declare, which resolves a path pattern against the session Cache
// and records the reads, instance discoveries and writes the pass needs.
// During APPLYING the Orchestrator sends them to the Transport: discoveries
// first, then one read batch, then the WriteGuard review, then one write batch.
// The script is re-run while a pass changes the cache or the staged tags, up to
// a pass budget (default 3).
//
// # Core Types
//
//   - Path, Pattern: dot-segmented parameter paths with index and "*" segments
//   - Cache: per-session values and instance lists, stamped with the session clock
//   - Freshness: Cached, MaxAge(d) or Refresh requirement of a declaration
//   - Resolver: turns declarations into pass plans and tracks their outcomes
//   - TagAnnotator: fetch-once tag reads and staged tag writes
//   - Orchestrator: runs a session to a terminal status
//   - Dispatcher: runs sessions for many devices concurrently
//
// # Session Clock
//
// Every freshness comparison uses Contact.Timestamp, never a live clock. Values
// read during a session are stamped with it, so MaxAge(0) forces exactly one
// read per session while Refresh forces one read per pass.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Concurrent contacts from the same device
//   - Permanent: Non-recoverable errors
//
// Transports report per-path failures with NewReadError and NewWriteError; the
// affected paths end up unresolved and the session continues. Any other
// transport error aborts the session and discards staged tags.
//
// # Thread Safety
//
// A session is processed by one goroutine. Cache, Resolver and TagAnnotator are
// not safe for concurrent use; Orchestrator and Dispatcher are.
package engine
