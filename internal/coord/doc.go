// Package coord defines the coordination store shared by every instance of the
// service: atomic counters, hashes, sets, scored sets, a lease-based work queue
// and owner-token leases.
//
// Components never reach for a global store. They receive a Client, which is
// backed by Redis in production (Redis) and by an in-process twin with the
// same atomic contract in tests and single-instance runs (Memory).
package coord
