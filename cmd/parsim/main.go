// parsim is the cluster CLI for the distributed modeling orchestrator.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is a sentinel error returned by cobra RunE functions to signal
// non-zero exit. The command has already written its own error to stderr.
var errExit = errors.New("exit")

// dirFlag holds the value of the --dir persistent flag.
// Empty means the current directory.
var dirFlag string

// run executes the parsim CLI with the given args, writing output to
// stdout and errors to stderr. Returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "parsim: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

// newRootCmd creates the root cobra command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "parsim",
		Short:         "parsim — distributed modeling orchestrator CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "parsim: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVar(&dirFlag, "dir", "",
		"path to the project directory (default: current directory)")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newInitCmd(stdout, stderr),
		newRunCmd(stdout, stderr),
		newGraphCmd(stdout, stderr),
		newEventsCmd(stdout, stderr),
		newGenDocCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// projectDir resolves the --dir flag, defaulting to the current
// directory.
func projectDir() string {
	if dirFlag != "" {
		return dirFlag
	}
	return "."
}
