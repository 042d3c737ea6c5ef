// Package task stores translation tasks and the shared work queue.
//
// A task is a hash in the coordination store plus one payload key per image.
// Each image becomes a queue entry of the form "taskID|index". Workers claim
// entries under a lease; an entry whose lease lapses is put back at the head
// of the queue by the Reaper, which gives at-least-once execution. Job
// completion is first-writer-wins per index, and the aggregate counters are
// bumped in the same atomic step, so re-executions never double count.
//
// Task status is derived from those counters on every read: pending until the
// first claim, processing until every job is terminal, then failed if every
// job failed and completed otherwise.
package task
