package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "undefined"
	GitHash   = "undefined"
)

// newRootCmd builds the attendd command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attendd",
		Short:         "Rotating-token attendance service",
		Version:       fmt.Sprintf("%s (%s, built %s)", Version, GitHash, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

// Execute runs attendd and is called by main.main()
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
