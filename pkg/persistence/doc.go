// Package persistence stores runs as versioned, gzip-compressed JSON
// documents and coordinates who may write them.
//
// A document holds the graph and the full event history of a run; the run
// state is rebuilt by replaying the events. Readers accept any revision of
// a supported format version and keep fields they do not know, so a
// document written by a newer revision survives a round trip unchanged.
package persistence
