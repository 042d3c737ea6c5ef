// Package postgres archives finished tasks in PostgreSQL.
//
// The coordination store only keeps a task for its retention window. When a
// database is configured, every task.finished event writes the final
// snapshot to task_archive and its per-image results to task_archive_results,
// so results outlive Redis. The schema is managed with goose migrations that
// are embedded in the binary.
package postgres
