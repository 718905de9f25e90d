// Package registry owns the command tree exposed by this process.
//
// Ownership boundary:
// - command spec shape and parameter declarations
// - capability composition into executable actions
// - router/action tree and name resolution
// - schema derivation shared by CLI, transport, and API
//
// The tree is built once at startup and sealed; nothing mutates it afterwards.
package registry
