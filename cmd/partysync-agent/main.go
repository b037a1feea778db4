// Command partysync-agent runs the client-side sync pipeline for one scope.
// It subscribes to the relay, falls back to HTTP polling while the relay is
// down, and queues outbound events durably until they can be delivered.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
