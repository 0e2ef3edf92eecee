// Package store provides SQLite-backed durable storage for speckit runs.
//
// The store is append-only in spirit:
//   - Agent executions: one row per spawn attempt, immutable once completed
//   - Consensus synthesis: one row per (spec, stage, run, phase)
//   - Pipeline runs and stage history: coordinator state, rebuilt on resume
//
// # Critical Patterns
//
// Every write is a single short transaction that is committed before the
// method returns. A crash can leave "spawned but not completed" rows but
// never a torn write. RecoverOrphans closes such rows when a run resumes.
//
// All ordering uses seq INTEGER (logical clock), never timestamps. Queries
// order by seq ASC, id COLLATE BINARY ASC so results are identical across
// reads.
//
// Writes retry with retry.WritePolicy and reads with retry.ReadPolicy.
// SQLite BUSY/LOCKED errors are Retryable with a short fixed backoff;
// constraint violations are Permanent.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
