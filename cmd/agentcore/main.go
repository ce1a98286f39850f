// Command agentcore runs the agent core: registry, state machine, processor
// loop, observer/sink pipeline, and hash-chained audit service.
package main

import (
	"fmt"
	"os"

	"github.com/ciriscore/agentcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
