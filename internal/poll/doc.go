// Package poll implements long polling over task snapshots. A client passes
// the fingerprint of the last snapshot it saw and the poller holds the
// request until the task progresses, finishes, or the wait runs out.
package poll
