package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "platformctl",
		Short: "Operate the filestore/timestore data platform",
		Long:  "platformctl runs the platform server and its maintenance commands: schema migration and manual reconciliation triggers.",
	}

	root.AddCommand(newMigrateCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newTriggerReconcileCommand())
	return root
}
