// Package journal provides SQLite-backed durable storage for build run history.
//
// Every coordinator run writes one row to runs and one row to transitions
// per state it enters. The journal is an audit log: build history on disk
// remains the source of truth, and a missing or damaged journal never blocks
// a build.
//
// # Ordering
//
//   - Transitions are ordered by a per-run seq counter, never by timestamp
//   - Runs are listed newest first by start time, then id
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - foreign_keys=ON: Enforce referential integrity
package journal
