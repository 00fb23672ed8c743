/*
Package arbor runs workflow graphs: directed graphs of typed nodes whose
executions are scheduled as soon as their dependencies settle, with guards on
edges, bounded loops, human input and durable persistence.

# Concept

A graph is configuration: nodes name an executor type (noop, input, exec,
file_read, llm, result, or one you register) and bind their inputs to the
outputs of other nodes. Starting a graph creates a run. Every change to a run
is an event with a consecutive sequence number, so a run can be watched,
persisted and rebuilt from its events alone.

Clients drive runs through sessions. A session streams a snapshot followed by
every event as protocol packets and accepts cancel, pause, resume and input
packets back. The same protocol is served over HTTP with SSE, over stdio as
JSON lines, and as MCP tools.

# Usage

	engine, err := arbor.New()
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close(context.Background())

	g, err := arbor.LoadGraph(ctx, "review.yaml")
	if err != nil {
		log.Fatal(err)
	}
	runID, err := engine.Start(ctx, g)
	if err != nil {
		log.Fatal(err)
	}
	snap, err := engine.Wait(ctx, runID)

A directory is loaded through Loam: one Markdown, YAML or JSON document per
node, with the node settings in the front matter.
*/
package arbor
