/*
Package dsl provides a fluent builder for constructing Arbor graphs in Go.

It is the programmatic alternative to YAML files and Markdown directories,
useful for generated graphs, unit tests and IDE autocompletion.

Example usage:

	b := dsl.New("review")

	b.Add("diff", "exec").
		Config("command", "git").
		Config("args", []any{"diff", "main"}).
		Go("ask")

	b.Add("ask", "input").
		Config("prompt", "Ship it?").
		Config("options", []any{"yes", "no"}).
		Branch(`output == "yes"`, "ship")

	b.Add("ship", "noop").
		Input("answer", "ask")

	g, err := b.Build()
	// ... pass g to engine.Start, or b.Loader() where a ports.GraphLoader is expected
*/
package dsl
