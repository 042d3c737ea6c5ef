// Package worker runs the execution units that drain the job queue.
//
// A Pool owns a variable number of units. Each unit loops independently:
// it claims a job from the task store, acquires a credential, calls the
// translator with bounded retries, reports the call outcome to the
// credential registry and records the job result. The cluster scaler
// adjusts the unit count through SetTargetCount.
package worker
