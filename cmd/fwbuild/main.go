package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type rootFlags struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "fwbuild",
		Short:         "Firmware build worker",
		Long:          "fwbuild turns queued (vehicle, board, commit, features) requests into firmware archives.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default ./configs/fwbuild.yaml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWorkerCmd(flags))
	cmd.AddCommand(newMirrorCmd(flags))
	cmd.AddCommand(newSubmitCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fwbuild %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
