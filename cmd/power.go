package cmd

import "github.com/spf13/cobra"

var poweroffCmd = &cobra.Command{
	Use:   "poweroff",
	Short: "shut down and power off",
	Args:  cobra.NoArgs,
	RunE:  runPower("poweroff"),
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "shut down and reboot",
	Args:  cobra.NoArgs,
	RunE:  runPower("reboot"),
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "shut down without powering off",
	Args:  cobra.NoArgs,
	RunE:  runPower("halt"),
}

func init() {
	rootCmd.AddCommand(poweroffCmd, rebootCmd, haltCmd)
}

func runPower(command string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return send(command, nil)
	}
}
