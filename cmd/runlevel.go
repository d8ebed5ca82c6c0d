package cmd

import (
	"github.com/spf13/cobra"
)

var runlevelCmd = &cobra.Command{
	Use:   "runlevel [0-9]",
	Short: "query or change the current runlevel",
	Long:  `With no argument, print the current runlevel. With a digit, request a transition to that runlevel.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunlevel,
}

func init() {
	rootCmd.AddCommand(runlevelCmd)
}

func runRunlevel(cmd *cobra.Command, args []string) error {
	return send("runlevel", args)
}
