// Package store provides SQLite-backed storage for massmailer.
//
// The store keeps its tables next to the application tables that queries
// read from:
//   - massmailer_templates: stored message templates
//   - massmailer_queries: stored query texts
//   - massmailer_batches: one row per batch
//   - massmailer_emails: rendered messages with their delivery state
//   - massmailer_tasks: the persistent delivery task queue
//
// # Guarded State Changes
//
// Message state only moves through SwapState, a single
// UPDATE ... WHERE id = ? AND state = ? whose affected row count tells the
// caller whether it won. Two workers racing on one message cannot both
// move it to sending.
//
// # Batch Atomicity
//
// InsertBatch writes the batch and every message in one transaction.
// Deleting a batch cascades to its messages and drops their queued tasks.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity (needed for cascades)
//
// The database is opened with the querysql driver so stored queries can
// use its text and regexp functions.
package store
