// Package events provides types and interfaces for task lifecycle notifications.
//
// The task store emits an event whenever an image job reaches a terminal state
// and once more when the whole task finishes. Components such as the metrics
// collector and the Postgres archive subscribe without the store knowing about
// them, which keeps the dependency graph pointing one way.
//
// The primary components are:
// - TaskEvent: a job or task lifecycle notification
// - EventHandler: Interface for components that can handle events
// - EventEmitter: Interface for components that can emit events
package events
