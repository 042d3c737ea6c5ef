// Package autoscale sizes the worker pools of every instance from the shared
// queue depth.
//
// Each instance heartbeats into the coordination store. On every evaluation
// tick the instances race for a short scaling lease; the holder reads the
// queue depth, runs the pure Decide policy and writes a per-instance share of
// the target. Every instance then applies its own share to its local pool.
package autoscale
