// Package worker runs background command tasks.
//
// Ownership boundary:
// - task shape, ordering, and retry accounting
// - queue backends (memory, sqlite)
// - worker pool with heartbeats
// - stalled task detection
//
// Delivery is at-least-once at best. A task in flight when its worker dies
// is reported stalled and never requeued here.
package worker
