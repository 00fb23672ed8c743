/*
Package ports defines the driven ports (interfaces) of the Arbor runtime.

These interfaces decouple the engine from executors, tools, model transports
and storage backends, so that runs can be tested in isolation and adapters can
be swapped without touching the core.

# Key Interfaces

  - Executor: runs the work of a node given its config and resolved inputs.
  - InputRequester: executors that suspend their node until a human answers.
  - Tool: a named capability invoked by LLM-backed executors mid-turn.
  - Model: the LLM invocation transport.
  - RunStore: durable storage of encoded runs.
  - DistributedLocker: cross-process exclusion for the persistence slot of a run.
  - EventSink: observers of applied events (session hub, state manager, exporters).
  - GraphLoader: sources of graph definitions (YAML files, Loam repositories).
*/
package ports
