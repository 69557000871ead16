package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mwheeler-geo/parsim/internal/config"
	"github.com/mwheeler-geo/parsim/internal/fsys"
	"github.com/mwheeler-geo/parsim/internal/profile"
)

// newInitCmd writes a starter cluster.toml and the profile directory.
func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var profileName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter cluster.toml in the project directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInit(fsys.OSFS{}, projectDir(), profileName, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "local", "connection profile name")
	return cmd
}

// doInit creates the config file and profile directory, refusing to
// clobber an existing config.
func doInit(fs fsys.FS, dir, profileName string, stdout, stderr io.Writer) error {
	prof := profile.At(dir)
	path := prof.ConfigPath()
	if _, err := fs.Stat(path); err == nil {
		fmt.Fprintf(stderr, "parsim init: %s already exists\n", path) //nolint:errcheck // best-effort stderr
		return errExit
	}

	data, err := config.Default(profileName).Marshal()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}
	if err := fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := fs.MkdirAll(prof.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}
	fmt.Fprintf(stdout, "Initialized %s (profile %q)\n", path, profileName) //nolint:errcheck // best-effort stdout
	return nil
}
