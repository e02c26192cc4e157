package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/adakings/apicache/internal/version"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "apicache-cli",
		Short: "AdaKings API cache command line tool",
		Long: `apicache-cli inspects API cache configuration.

It validates config files, shows which category and fetch strategy an
endpoint falls under and prints the cache key of a request.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newClassifyCmd(),
		newTableCmd(),
		newKeyCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apicache-cli %s\n", version.String())
		},
	}
}
