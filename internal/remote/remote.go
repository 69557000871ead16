// Package remote mediates all cluster communication for the
// orchestrator. It discovers the worker fleet, synchronizes working
// directories, selects between the peer-to-peer collective transport and
// the star topology through the client, and exposes the typed collective
// operations the solver and reductions are built on.
package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/events"
	"github.com/mwheeler-geo/parsim/internal/telemetry"
)

// DefaultMPI requests the collective transport unless the caller opts
// out. Actual use still requires the environment probe to pass on every
// worker.
const DefaultMPI = true

// MPIBellwethers are the environment indicators probed on each worker
// for a peer-to-peer collective transport.
var MPIBellwethers = []string{"PMI_SIZE", "OMPI_UNIVERSE_SIZE"}

// DefaultEndpointName is the namespace entry workers keep their
// endpoint under.
const DefaultEndpointName = "endpoint"

// Options configure interface construction.
type Options struct {
	// Profile names the cluster connection profile. Informational; it
	// labels events emitted by this interface.
	Profile string

	// MPI requests the collective transport. Nil means DefaultMPI.
	MPI *bool

	// NThreads is the per-worker linear-algebra thread count.
	// Zero means 1.
	NThreads int

	// Bootstrap, when set, runs once on every worker after baseline
	// setup.
	Bootstrap cluster.TaskFunc

	// EndpointName overrides DefaultEndpointName.
	EndpointName string

	// Events receives cluster lifecycle events. Nil means discard.
	Events events.Recorder

	// Stderr receives warnings (directory sync). Nil means os.Stderr.
	Stderr io.Writer
}

// Interface is the client's handle on the worker fleet.
type Interface struct {
	client *cluster.Client
	dview  *cluster.DirectView // rank-ordered: position r serves rank r
	lview  *cluster.LoadBalancedView
	e0     *cluster.DirectView // root-only view (rank 0)

	useMPI       bool
	endpointName string
	nThreads     int
	profile      string

	rec    events.Recorder
	stderr io.Writer
}

// New connects the interface to an already-started fleet. Construction
// clears worker namespaces, synchronizes working directories (warning
// on failure), scatters ranks, probes for the collective transport, and
// applies thread-count and bootstrap setup.
func New(client *cluster.Client, opts Options) (*Interface, error) {
	r := &Interface{
		client:       client,
		endpointName: opts.EndpointName,
		profile:      opts.Profile,
		rec:          opts.Events,
		stderr:       opts.Stderr,
	}
	if r.endpointName == "" {
		r.endpointName = DefaultEndpointName
	}
	if r.rec == nil {
		r.rec = events.Discard
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}

	if !r.syncWorkdirs() {
		fmt.Fprintln(r.stderr, "remote: could not change all workers to the same directory as the client") //nolint:errcheck // best-effort stderr
		r.rec.Record(events.Event{Type: events.WorkdirSyncFail, Actor: "remote"})
	} else {
		r.rec.Record(events.Event{Type: events.WorkdirSynced, Actor: "remote"})
	}

	dview := client.DirectView()
	if err := dview.Execute(func(w *cluster.Worker) (any, error) {
		w.Clear()
		return nil, nil
	}); err != nil {
		return nil, fmt.Errorf("remote: clearing worker namespaces: %w", err)
	}

	// Scatter dense ranks in client order; the transport probe below may
	// rewrite them to match the collective substrate.
	ids := make([]any, client.Size())
	for i := range ids {
		ids[i] = i
	}
	if err := dview.Scatter(cluster.RankName, ids); err != nil {
		return nil, fmt.Errorf("remote: scattering ranks: %w", err)
	}

	r.dview = dview
	e0, err := dview.Pick(0)
	if err != nil {
		return nil, err
	}
	r.e0 = e0

	wantMPI := DefaultMPI
	if opts.MPI != nil {
		wantMPI = *opts.MPI
	}
	if wantMPI {
		safe, err := r.probeMPI()
		if err != nil {
			return nil, err
		}
		if safe {
			if err := r.activateMPI(); err != nil {
				return nil, err
			}
		}
		r.useMPI = safe
	}
	mode := "star"
	if r.useMPI {
		mode = "collective"
	}
	r.rec.Record(events.Event{Type: events.TransportChosen, Actor: "remote", Subject: mode, Message: r.profile})
	telemetry.RecordTransport(mode, client.Size())

	r.lview = client.LoadBalancedView()

	if err := r.SetNThreads(max(opts.NThreads, 1)); err != nil {
		return nil, err
	}

	if opts.Bootstrap != nil {
		if err := r.dview.Execute(opts.Bootstrap); err != nil {
			return nil, fmt.Errorf("remote: bootstrap: %w", err)
		}
	}
	return r, nil
}

// probeMPI reports whether every worker carries at least one collective
// transport bellwether in its environment.
func (r *Interface) probeMPI() (bool, error) {
	vals, err := r.dview.Apply(func(w *cluster.Worker) (any, error) {
		for _, name := range MPIBellwethers {
			if w.Getenv(name) != "" {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return false, fmt.Errorf("remote: probing transport bellwethers: %w", err)
	}
	for _, v := range vals {
		if v != true {
			return false, nil
		}
	}
	return true, nil
}

// activateMPI rewrites each worker's rank to its transport rank and
// reorders the direct view so client position matches transport rank.
// The permutation is computed by inverting the identity-to-rank mapping.
func (r *Interface) activateMPI() error {
	if err := r.dview.Execute(func(w *cluster.Worker) (any, error) {
		_, meshRank := w.Mesh()
		w.Set(cluster.RankName, meshRank)
		return nil, nil
	}); err != nil {
		return fmt.Errorf("remote: assigning transport ranks: %w", err)
	}
	vals, err := r.dview.Get(cluster.RankName)
	if err != nil {
		return fmt.Errorf("remote: gathering transport ranks: %w", err)
	}
	reorder := make([]int, len(vals))
	for want := range reorder {
		found := -1
		for i, v := range vals {
			if v.(int) == want {
				found = i
				break
			}
		}
		if found < 0 {
			return fmt.Errorf("remote: no worker reports transport rank %d", want)
		}
		reorder[want] = found
	}
	dview, err := r.dview.Reorder(reorder)
	if err != nil {
		return fmt.Errorf("remote: reordering by transport rank: %w", err)
	}
	r.dview = dview
	e0, err := dview.Pick(0)
	if err != nil {
		return err
	}
	r.e0 = e0
	return nil
}

// syncWorkdirs points every worker's working directory at the client's,
// when the client cwd lies under the user's home directory. Returns
// false when the cwd is outside home or any worker refuses.
func (r *Interface) syncWorkdirs() bool {
	home := os.Getenv("HOME")
	cwd, err := os.Getwd()
	if home == "" || err != nil {
		return false
	}
	rel, err := filepath.Rel(home, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	target := filepath.Join(home, rel)
	vals, err := r.client.DirectView().Apply(func(w *cluster.Worker) (any, error) {
		return w.Chdir(target) == nil, nil
	})
	if err != nil {
		return false
	}
	for _, ok := range vals {
		if ok != true {
			return false
		}
	}
	return true
}

// UseMPI reports whether the collective transport is active.
func (r *Interface) UseMPI() bool { return r.useMPI }

// EndpointName returns the namespace entry workers keep their endpoint
// under.
func (r *Interface) EndpointName() string { return r.endpointName }

// NWorkers returns the fleet size.
func (r *Interface) NWorkers() int { return r.client.Size() }

// LoadBalanced returns the load-balanced view for task submission.
func (r *Interface) LoadBalanced() *cluster.LoadBalancedView { return r.lview }

// WorkerIDs returns worker ids indexed by rank: WorkerIDs()[rank] is
// the fleet id of the worker serving that rank.
func (r *Interface) WorkerIDs() []int { return r.dview.IDs() }

// NThreads returns the per-worker linear-algebra thread count.
func (r *Interface) NThreads() int { return r.nThreads }

// SetNThreads asks every worker to size its linear-algebra thread pool.
// Idempotent; workers without a thread hook ignore it.
func (r *Interface) SetNThreads(n int) error {
	if n < 1 {
		return fmt.Errorf("remote: thread count %d, want >= 1", n)
	}
	r.nThreads = n
	if err := r.dview.Execute(func(w *cluster.Worker) (any, error) {
		return nil, w.ApplyThreads(n)
	}); err != nil {
		return fmt.Errorf("remote: setting thread count: %w", err)
	}
	return nil
}

// InstallEndpoints constructs one endpoint per worker under the
// configured endpoint name and records worker registration.
func (r *Interface) InstallEndpoints(build func() *endpoint.Endpoint) error {
	name := r.endpointName
	if err := r.dview.Execute(func(w *cluster.Worker) (any, error) {
		w.Set(name, build())
		return nil, nil
	}); err != nil {
		return fmt.Errorf("remote: installing endpoints: %w", err)
	}
	for rank := range r.client.Size() {
		r.rec.Record(events.Event{
			Type:    events.WorkerRegistered,
			Actor:   "remote",
			Subject: fmt.Sprintf("rank %d", rank),
		})
	}
	return nil
}

// Endpoint extracts the worker's endpoint from its namespace. For use
// inside task bodies.
func Endpoint(w *cluster.Worker, name string) (*endpoint.Endpoint, error) {
	v, err := w.Get(name)
	if err != nil {
		return nil, err
	}
	ep, ok := v.(*endpoint.Endpoint)
	if !ok {
		return nil, fmt.Errorf("remote: namespace entry %q is %T, not an endpoint", name, v)
	}
	return ep, nil
}
