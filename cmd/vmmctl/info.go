package main

import (
	"github.com/joshuapare/pagekit/vmm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report the platform page size and allocation direction",
		Long: `The info command creates a manager against the host OS and reports
the properties it detected: page size and the direction the platform
hands out anonymous mappings.

Example:
  vmmctl info
  vmmctl info --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo()
		},
	}
	return cmd
}

func runInfo() error {
	v := vmm.New(vmm.Options{})

	if jsonOut {
		return printJSON(struct {
			PageSize  uintptr
			Direction string
		}{v.PageSize(), v.Direction().String()})
	}

	printInfo("Platform:\n")
	printInfo("  Page size: %d bytes\n", v.PageSize())
	printInfo("  Direction: %s\n", v.Direction())
	return nil
}
