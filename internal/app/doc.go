// Package app builds the process-wide application context from a config.
//
// Ownership boundary:
// - backend selection for locks, queue, status and scaling
// - construction order of registry, dispatcher, scheduler and worker pools
// - process run modes (serve, worker) and their shutdown
package app
