// Package dispatch executes commands.
//
// Ownership boundary:
// - the invocation state machine (init, lock wait, running, outcome,
//   notified, done)
// - execution path selection: local, remote host, background worker
// - status records, notification fan-out, and invocation events
// - administrative abort of in-flight invocations
//
// Every invocation ends with exactly one Status message on its channel,
// after which the channel is closed.
package dispatch
