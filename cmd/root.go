// Package cmd implements the telinit-compatible command line for finit-go.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"finit-go/control"
	"finit-go/logging"
)

// Global flags.
var (
	globalSocket  string
	globalDebug   bool
	flagA         bool
	flagB         bool
	flagE         string
	flagT         int
)

// rootCmd is the base command. Unlike classic telinit, a bare positional
// argument is handled in RunE rather than by a hand-rolled parser ahead of
// cobra, so Execute is the single, real entry point into this binary's
// client mode.
var rootCmd = &cobra.Command{
	Use:   "finit [0-9|q|Q|s|S]",
	Short: "control and query a running finit-go init",
	Long: `finit is the telinit-compatible client for finit-go.

Run with no subcommand and a single positional argument to request a
runlevel change (a digit), a configuration reload (q or Q), or rescue
mode (s or S) - the historical telinit calling convention. The
subcommands below offer the same operations under clearer names.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			if err := cmd.Help(); err != nil {
				return err
			}
			return fmt.Errorf("no runlevel or command given")
		}
		command, cargs, err := control.ParseTelinitArg(args[0])
		if err != nil {
			return err
		}
		return send(command, cargs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalSocket, "socket", control.SocketPath, "control socket path")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")

	// telinit(8) compatibility flags: accepted so existing scripts keep
	// working, and otherwise ignored.
	rootCmd.PersistentFlags().BoolVarP(&flagA, "a", "a", false, "process only /etc/inittab entries with 'a' (compatibility flag, ignored)")
	rootCmd.PersistentFlags().BoolVarP(&flagB, "b", "b", false, "do not reload the init binary (compatibility flag, ignored)")
	rootCmd.PersistentFlags().StringVarP(&flagE, "e", "e", "", "change init's environment (compatibility flag, ignored)")
	rootCmd.PersistentFlags().IntVarP(&flagT, "t", "t", 0, "seconds between SIGTERM and SIGKILL on shutdown (compatibility flag, ignored)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging() {
	level := slog.LevelInfo
	if globalDebug {
		level = slog.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logging.Config{Level: level, Format: "text", Output: os.Stderr}))
}

// send issues one control command and prints the reply, the shared tail of
// every subcommand's RunE.
func send(command string, args []string) error {
	reply, err := control.SendCommand(globalSocket, command, args)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
