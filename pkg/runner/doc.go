/*
Package runner drives one run from a terminal or a pipe.

It opens a session on the run, hands every outbound packet to a Handler and
feeds the packets the Handler produces back into the session. It returns
when the run finishes and the session stream ends.

# Key Components

  - Handler: presents outbound packets and produces inbound ones.
  - JSONHandler: one protocol envelope per line, both ways.
  - TextHandler: human-readable progress with prompts for input nodes.

# Usage

	hub := session.NewHub(engine)
	runID, _ := engine.Start(ctx, g)

	h := runner.NewTextHandler(os.Stdin, os.Stdout)
	if err := runner.Run(ctx, hub, runID, h); err != nil {
		log.Fatal(err)
	}
*/
package runner
