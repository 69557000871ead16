package docgen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

// RenderMarkdown writes a markdown reference document from a JSON
// Schema: one section per defined type, each with a field table. The
// root type leads.
func RenderMarkdown(w io.Writer, s *jsonschema.Schema) error {
	title := s.Title
	if title == "" {
		title = "Configuration Reference"
	}
	fmt.Fprintf(w, "# %s\n\n", title)                                                                   //nolint:errcheck // buffered writer
	if s.Description != "" {
		fmt.Fprintf(w, "%s\n\n", s.Description) //nolint:errcheck // buffered writer
	}
	fmt.Fprintf(w, "> **Auto-generated** — do not edit. Run `go run ./cmd/genschema` to regenerate.\n\n") //nolint:errcheck // buffered writer

	if s.Definitions == nil {
		return nil
	}
	rootName := refName(s.Ref)
	names := make([]string, 0, len(s.Definitions))
	for name := range s.Definitions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == rootName || names[j] == rootName {
			return names[i] == rootName
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		def := s.Definitions[name]
		if def == nil || def.Properties == nil {
			continue
		}
		fmt.Fprintf(w, "## %s\n\n", name) //nolint:errcheck // buffered writer
		if def.Description != "" {
			fmt.Fprintf(w, "%s\n\n", def.Description) //nolint:errcheck // buffered writer
		}
		required := make(map[string]bool, len(def.Required))
		for _, r := range def.Required {
			required[r] = true
		}
		fmt.Fprint(w, "| Field | Type | Required | Description |\n")  //nolint:errcheck // buffered writer
		fmt.Fprint(w, "|-------|------|----------|-------------|\n") //nolint:errcheck // buffered writer
		for pair := def.Properties.Oldest(); pair != nil; pair = pair.Next() {
			req := ""
			if required[pair.Key] {
				req = "**yes**"
			}
			if _, err := fmt.Fprintf(w, "| `%s` | %s | %s | %s |\n",
				pair.Key, typeString(pair.Value), req, cellText(pair.Value.Description)); err != nil {
				return err
			}
		}
		fmt.Fprintln(w) //nolint:errcheck // buffered writer
	}
	return nil
}

// WriteMarkdown generates a markdown file from a schema using atomic
// write (temp + rename).
func WriteMarkdown(path string, s *jsonschema.Schema) error {
	return writeAtomic(path, func(w io.Writer) error { return RenderMarkdown(w, s) })
}

// writeAtomic streams render output into a temp file and renames it
// into place.
func writeAtomic(path string, render func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".docgen-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if err := render(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// typeString returns a human-readable type for a schema property.
func typeString(prop *jsonschema.Schema) string {
	if prop.Ref != "" {
		return refName(prop.Ref)
	}
	switch prop.Type {
	case "array":
		if prop.Items != nil {
			if prop.Items.Ref != "" {
				return "[]" + refName(prop.Items.Ref)
			}
			return "[]" + prop.Items.Type
		}
		return "array"
	case "object":
		if prop.AdditionalProperties != nil {
			if prop.AdditionalProperties.Ref != "" {
				return "map[string]" + refName(prop.AdditionalProperties.Ref)
			}
			return "map[string]" + prop.AdditionalProperties.Type
		}
		return "object"
	case "":
		return "any"
	}
	return prop.Type
}

// refName extracts the type name from a $ref path like "#/$defs/Cluster".
func refName(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}

// cellText flattens a description into a single markdown table cell.
func cellText(desc string) string {
	desc = strings.ReplaceAll(desc, "\n", " ")
	return strings.ReplaceAll(desc, "|", "\\|")
}
