/*
Package domain contains the core models of the Arbor runtime.

It defines the configuration-time graph description and the per-run state
derived from the event log. The package is kept free of I/O so that every
other layer (engine, protocol, persistence) can share the same vocabulary.

# Key Entities

  - Graph: immutable description of Nodes, Edges (with optional guards) and input Bindings.
  - Run: one execution of a Graph. Its state is a fold over the Event log (see Run.Apply).
  - RuntimeNode: the per-run status, inputs, output and error of a single Node.
  - Event: an append-only record of a state transition, numbered by the run's sequence.
  - Snapshot: a detached copy of a Run used by subscribers and the persistence layer.
*/
package domain
