// Package message owns command progress/result records.
//
// Ownership boundary:
// - typed Message variants and their plain-map wire rendering
//
// - per-invocation message channels with parent propagation
//
// - caller-side response aggregation
//
// Messages are values; nothing in this package mutates one after construction.
package message
