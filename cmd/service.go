package cmd

import "github.com/spf13/cobra"

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "start a named service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceCmd("start"),
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "stop a named service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceCmd("stop"),
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "stop and restart a named service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServiceCmd("restart"),
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}

func runServiceCmd(command string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return send(command, args[:1])
	}
}
