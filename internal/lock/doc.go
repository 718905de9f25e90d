// Package lock owns cross-process mutual exclusion for command execution.
//
// Ownership boundary:
// - TTL-bounded claims against a shared coordination store
//
// - wait/poll acquisition with timeout and forced release
//
// - run-once completion flags
//
// - signal-driven reclaim of locks held by the current process
//
// At-most-one holder is maintained only while clocks agree; an expired claim
// may be taken over by another owner.
package lock
