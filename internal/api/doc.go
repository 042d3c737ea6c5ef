// Package api exposes the HTTP surface of the service: task submission,
// long-polled results, the progress stream, supported languages, and the
// monitoring endpoints. Handlers translate HTTP concerns into calls on the
// task store and poller, and map domain errors back to status codes.
package api
