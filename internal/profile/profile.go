// Package profile manages the on-disk profile directory of a cluster:
// the event log, graph dumps, and the lock that keeps one scheduler
// client per profile.
package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirName is the profile directory created under the project root.
const DirName = ".parsim"

// Profile locates the runtime files of one cluster profile.
type Profile struct {
	root string
}

// At returns the profile rooted at the given project directory.
func At(root string) *Profile {
	return &Profile{root: root}
}

// Dir returns the profile directory path.
func (p *Profile) Dir() string { return filepath.Join(p.root, DirName) }

// Ensure creates the profile directory if needed.
func (p *Profile) Ensure() error {
	if err := os.MkdirAll(p.Dir(), 0o755); err != nil {
		return fmt.Errorf("profile: creating %s: %w", p.Dir(), err)
	}
	return nil
}

// ConfigPath returns the cluster.toml path at the project root.
func (p *Profile) ConfigPath() string { return filepath.Join(p.root, "cluster.toml") }

// EventsPath returns the JSONL event log path.
func (p *Profile) EventsPath() string { return filepath.Join(p.Dir(), "events.jsonl") }

// GraphJSONPath returns where the last run's graph projection is dumped.
func (p *Profile) GraphJSONPath() string { return filepath.Join(p.Dir(), "graph.json") }

// GraphHTMLPath returns where the rendered graph page is written.
func (p *Profile) GraphHTMLPath() string { return filepath.Join(p.Dir(), "graph.html") }

// lockPath returns the client lock file path.
func (p *Profile) lockPath() string { return filepath.Join(p.Dir(), "client.lock") }

// Lock takes the exclusive client lock for this profile. Returns a
// release function, or an error when another client already drives the
// profile.
func (p *Profile) Lock() (func(), error) {
	if err := p.Ensure(); err != nil {
		return nil, err
	}
	fl := flock.New(p.lockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("profile: locking %s: %w", p.lockPath(), err)
	}
	if !ok {
		return nil, fmt.Errorf("profile: another client is already driving this profile")
	}
	return func() {
		fl.Unlock() //nolint:errcheck // best-effort unlock
	}, nil
}
