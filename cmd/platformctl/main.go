// Command platformctl is the operator CLI for the filestore/timestore
// platform: it runs the long-lived server process and the one-shot
// maintenance commands (schema migration, manual reconciliation
// triggers) described in spec.md §6 and §9.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
