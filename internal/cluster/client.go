package cluster

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/mwheeler-geo/parsim/internal/comm"
)

// Client owns a fleet of workers. It hands out views: a [DirectView]
// addressing specific workers in a fixed order, and a [LoadBalancedView]
// that places tasks wherever their constraints allow.
type Client struct {
	workers []*Worker
}

// Options configure fleet construction.
type Options struct {
	// Env supplies a per-worker environment snapshot. Workers with a nil
	// snapshot read the process environment.
	Env func(id int) map[string]string

	// MeshPermutation maps worker id to mesh rank. Identity when nil.
	// Rejected unless it is a permutation of 0..n-1.
	MeshPermutation []int
}

// Connect starts a fleet of n workers joined by a collective mesh and
// returns the client driving it.
func Connect(n int, opts Options) (*Client, error) {
	if n < 1 {
		return nil, fmt.Errorf("cluster: fleet size %d, want >= 1", n)
	}
	perm := opts.MeshPermutation
	if perm == nil {
		perm = make([]int, n)
		for i := range perm {
			perm[i] = i
		}
	}
	if err := checkPermutation(perm, n); err != nil {
		return nil, err
	}

	mesh := comm.NewMesh(n)
	c := &Client{workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		var env map[string]string
		if opts.Env != nil {
			env = opts.Env(i)
		}
		c.workers[i] = newWorker(i, env, mesh, perm[i])
	}
	return c, nil
}

// checkPermutation verifies perm is a permutation of 0..n-1.
func checkPermutation(perm []int, n int) error {
	if len(perm) != n {
		return fmt.Errorf("cluster: permutation length %d for fleet of %d", len(perm), n)
	}
	seen := make([]bool, n)
	for _, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return fmt.Errorf("cluster: invalid mesh permutation %v", perm)
		}
		seen[p] = true
	}
	return nil
}

// Size returns the number of workers in the fleet.
func (c *Client) Size() int { return len(c.workers) }

// Ids returns the worker ids in fleet order.
func (c *Client) Ids() []int {
	ids := make([]int, len(c.workers))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Worker returns the worker at the given fleet position.
func (c *Client) Worker(id int) *Worker { return c.workers[id] }

// DirectView returns a view over the whole fleet in id order.
func (c *Client) DirectView() *DirectView {
	return &DirectView{workers: append([]*Worker(nil), c.workers...)}
}

// View returns a direct view over the listed workers, in the given order.
func (c *Client) View(ids ...int) (*DirectView, error) {
	ws := make([]*Worker, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(c.workers) {
			return nil, fmt.Errorf("cluster: no worker %d in fleet of %d", id, len(c.workers))
		}
		ws[i] = c.workers[id]
	}
	return &DirectView{workers: ws}, nil
}

// LoadBalancedView returns a view that places tasks across the fleet.
func (c *Client) LoadBalancedView() *LoadBalancedView {
	return &LoadBalancedView{c: c}
}

// Close stops every worker and waits for their task loops to exit.
func (c *Client) Close() {
	for _, w := range c.workers {
		w.stop()
	}
}

// DirectView addresses a fixed, ordered set of workers. Apply-style
// calls run concurrently across workers (each worker stays serial) and
// block until every worker has answered.
type DirectView struct {
	workers []*Worker
}

// Size returns the number of workers in the view.
func (v *DirectView) Size() int { return len(v.workers) }

// IDs returns the worker ids in view order.
func (v *DirectView) IDs() []int {
	ids := make([]int, len(v.workers))
	for i, w := range v.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Pick returns a single-worker view over position i.
func (v *DirectView) Pick(i int) (*DirectView, error) {
	if i < 0 || i >= len(v.workers) {
		return nil, fmt.Errorf("cluster: no view position %d in view of %d", i, len(v.workers))
	}
	return &DirectView{workers: []*Worker{v.workers[i]}}, nil
}

// Reorder returns a view whose position i addresses the view's current
// position perm[i]. Used to align client order with transport rank.
func (v *DirectView) Reorder(perm []int) (*DirectView, error) {
	if err := checkPermutation(perm, len(v.workers)); err != nil {
		return nil, err
	}
	ws := make([]*Worker, len(perm))
	for i, p := range perm {
		ws[i] = v.workers[p]
	}
	return &DirectView{workers: ws}, nil
}

// ApplyAsync submits fn to every worker and returns the futures in view
// order.
func (v *DirectView) ApplyAsync(fn TaskFunc) []*AsyncResult {
	jobs := make([]*AsyncResult, len(v.workers))
	for i, w := range v.workers {
		jobs[i] = w.submit(fn)
	}
	return jobs
}

// Apply runs fn on every worker, blocking until all complete. Returns
// the per-worker values in view order; per-worker failures are
// aggregated into one error.
func (v *DirectView) Apply(fn TaskFunc) ([]any, error) {
	jobs := v.ApplyAsync(fn)
	vals := make([]any, len(jobs))
	var errs *multierror.Error
	for i, j := range jobs {
		<-j.done
		if err := j.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("worker %d: %w", v.workers[i].ID(), err))
			continue
		}
		vals[i] = j.Value()
	}
	return vals, errs.ErrorOrNil()
}

// Execute runs fn on every worker for its side effects.
func (v *DirectView) Execute(fn TaskFunc) error {
	_, err := v.Apply(fn)
	return err
}

// Set stores v under name on every worker in the view.
func (v *DirectView) Set(name string, value any) error {
	return v.Execute(func(w *Worker) (any, error) {
		w.Set(name, value)
		return nil, nil
	})
}

// Get reads name from every worker, in view order.
func (v *DirectView) Get(name string) ([]any, error) {
	return v.Apply(func(w *Worker) (any, error) {
		return w.Get(name)
	})
}

// Delete removes name from every worker in the view.
func (v *DirectView) Delete(name string) error {
	return v.Execute(func(w *Worker) (any, error) {
		w.Delete(name)
		return nil, nil
	})
}

// Scatter distributes values across the view: position i receives
// values[i] under name.
func (v *DirectView) Scatter(name string, values []any) error {
	if len(values) != len(v.workers) {
		return fmt.Errorf("cluster: scatter %d values across %d workers", len(values), len(v.workers))
	}
	jobs := make([]*AsyncResult, len(v.workers))
	for i, w := range v.workers {
		val := values[i]
		jobs[i] = w.submit(func(w *Worker) (any, error) {
			w.Set(name, val)
			return nil, nil
		})
	}
	var errs *multierror.Error
	for i, j := range jobs {
		<-j.done
		if err := j.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("worker %d: %w", v.workers[i].ID(), err))
		}
	}
	return errs.ErrorOrNil()
}
