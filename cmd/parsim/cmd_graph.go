package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mwheeler-geo/parsim/internal/profile"
)

// statusWords maps graph status codes to display text.
var statusWords = []string{"no job", "pending", "ok", "failed"}

// newGraphCmd prints the last run's system graph.
func newGraphCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Show the system graph from the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGraph(projectDir(), stdout, stderr)
		},
	}
}

// doGraph reads the dumped node-link projection, lists the nodes with
// their statuses, and prints the node and edge counts.
func doGraph(dir string, stdout, stderr io.Writer) error {
	prof := profile.At(dir)
	data, err := os.ReadFile(prof.GraphJSONPath())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stderr, "parsim graph: no graph recorded yet (run `parsim run` first)\n") //nolint:errcheck // best-effort stderr
			return errExit
		}
		return err
	}
	var decoded struct {
		Nodes []struct {
			ID     string `json:"id"`
			Status int    `json:"status"`
		} `json:"nodes"`
		Links []struct {
			Source string `json:"source"`
			Target string `json:"target"`
		} `json:"links"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decoding %s: %w", prof.GraphJSONPath(), err)
	}
	for _, n := range decoded.Nodes {
		status := "?"
		if n.Status >= 0 && n.Status < len(statusWords) {
			status = statusWords[n.Status]
		}
		fmt.Fprintf(stdout, "%-24s [%s]\n", n.ID, status) //nolint:errcheck // best-effort stdout
	}
	fmt.Fprintf(stdout, "%d nodes, %d edges\n", len(decoded.Nodes), len(decoded.Links)) //nolint:errcheck // best-effort stdout
	return nil
}
