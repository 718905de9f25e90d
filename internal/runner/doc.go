// Package runner executes processes for shell commands.
//
// Ownership boundary:
// - local process execution
// - remote execution over SSH with known_hosts verification
// - line splitting of process output
package runner
