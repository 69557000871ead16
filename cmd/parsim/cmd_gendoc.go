package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mwheeler-geo/parsim/internal/docgen"
)

// newGenDocCmd regenerates the CLI reference. Hidden: it exists for
// cmd/genschema, which has no access to the real command tree.
func newGenDocCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:    "gen-doc",
		Short:  "Regenerate docs/reference/cli.md",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := docgen.ModuleRoot()
			if err != nil {
				return err
			}
			path := filepath.Join(root, "docs", "reference", "cli.md")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
			}
			if err := docgen.WriteCLIMarkdown(path, cmd.Root()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %s\n", path) //nolint:errcheck // best-effort stdout
			return nil
		},
	}
}
