package docgen

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RenderCLIMarkdown writes a CLI reference by walking a cobra command
// tree. Hidden commands are skipped.
func RenderCLIMarkdown(w io.Writer, root *cobra.Command) error {
	fmt.Fprint(w, "# CLI Reference\n\n")                                                                  //nolint:errcheck // buffered writer
	fmt.Fprint(w, "> **Auto-generated** — do not edit. Run `go run ./cmd/genschema` to regenerate.\n\n") //nolint:errcheck // buffered writer
	if err := renderFlags(w, "Global flags", root.PersistentFlags()); err != nil {
		return err
	}
	return walkCommands(w, root)
}

// WriteCLIMarkdown writes the CLI reference to a file using atomic write.
func WriteCLIMarkdown(path string, root *cobra.Command) error {
	return writeAtomic(path, func(w io.Writer) error { return RenderCLIMarkdown(w, root) })
}

// walkCommands renders each non-hidden command depth-first.
func walkCommands(w io.Writer, cmd *cobra.Command) error {
	if cmd.Hidden {
		return nil
	}
	if cmd.HasParent() {
		fmt.Fprintf(w, "## %s\n\n", cmd.CommandPath()) //nolint:errcheck // buffered writer
		if cmd.Short != "" {
			fmt.Fprintf(w, "%s\n\n", cmd.Short) //nolint:errcheck // buffered writer
		}
		fmt.Fprintf(w, "```\n%s\n```\n\n", cmd.UseLine()) //nolint:errcheck // buffered writer
		if err := renderFlags(w, "Flags", cmd.NonInheritedFlags()); err != nil {
			return err
		}
	}
	for _, sub := range cmd.Commands() {
		if err := walkCommands(w, sub); err != nil {
			return err
		}
	}
	return nil
}

// renderFlags writes a flag table, or nothing when the set is empty.
func renderFlags(w io.Writer, heading string, flags *pflag.FlagSet) error {
	if !flags.HasAvailableFlags() {
		return nil
	}
	fmt.Fprintf(w, "### %s\n\n", heading)         //nolint:errcheck // buffered writer
	fmt.Fprint(w, "| Flag | Description |\n")     //nolint:errcheck // buffered writer
	fmt.Fprint(w, "|------|-------------|\n")     //nolint:errcheck // buffered writer
	var walkErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || walkErr != nil {
			return
		}
		name := "--" + f.Name
		if f.Shorthand != "" {
			name = "-" + f.Shorthand + ", " + name
		}
		if _, err := fmt.Fprintf(w, "| `%s` | %s |\n", name, cellText(f.Usage)); err != nil {
			walkErr = err
		}
	})
	if walkErr != nil {
		return walkErr
	}
	_, err := fmt.Fprintln(w)
	return err
}
