package cmd

import "github.com/spf13/cobra"

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "re-parse configuration without changing runlevel",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	return send("reload", nil)
}
