// Package cluster hosts the worker fleet and the two views the
// orchestrator uses to drive it: a direct view addressing every worker,
// and a load-balanced view that places tasks subject to dependencies and
// placement constraints.
//
// Each [Worker] runs a serial task loop in its own goroutine and owns a
// symbolic namespace of named values. Submissions return an
// [*AsyncResult] future. The fleet as a whole is managed by a [Client].
package cluster

import (
	"fmt"
	"os"
	"sync"

	"github.com/mwheeler-geo/parsim/internal/comm"
)

// RankName is the namespace entry holding a worker's cluster rank.
// It is scattered by the client at connect time and may be rewritten
// when a collective transport reorders the fleet.
const RankName = "rank"

// TaskFunc is the body of a remote task. It runs on the worker's task
// goroutine with exclusive access to the worker's state for the duration
// of the call.
type TaskFunc func(w *Worker) (any, error)

// Worker is a single fleet member: a serial task executor with a
// namespace, an environment snapshot, a working directory, and an
// optional collective-transport attachment.
type Worker struct {
	id int // position at fleet construction; dense, unique

	mu sync.Mutex
	ns map[string]any
	wd string

	env        map[string]string
	mesh       *comm.Mesh
	meshRank   int
	threadHook func(n int) error

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []*queued
	stopped bool
	wg      sync.WaitGroup
}

type queued struct {
	fn  TaskFunc
	res *AsyncResult
}

func newWorker(id int, env map[string]string, mesh *comm.Mesh, meshRank int) *Worker {
	w := &Worker{
		id:       id,
		ns:       map[string]any{},
		env:      env,
		mesh:     mesh,
		meshRank: meshRank,
	}
	w.qcond = sync.NewCond(&w.qmu)
	if wd, err := os.Getwd(); err == nil {
		w.wd = wd
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// loop processes tasks one at a time until the worker is stopped.
// Tasks still queued at stop fail with ErrStopped.
func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		w.qmu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.qcond.Wait()
		}
		if w.stopped {
			rest := w.queue
			w.queue = nil
			w.qmu.Unlock()
			for _, q := range rest {
				q.res.complete(w.id, nil, ErrStopped)
			}
			return
		}
		q := w.queue[0]
		w.queue = w.queue[1:]
		w.qmu.Unlock()

		v, err := q.fn(w)
		q.res.complete(w.id, v, err)
	}
}

// submit queues fn and returns its future. Fails fast when stopped.
func (w *Worker) submit(fn TaskFunc) *AsyncResult {
	res := newAsyncResult()
	w.qmu.Lock()
	if w.stopped {
		w.qmu.Unlock()
		res.complete(w.id, nil, ErrStopped)
		return res
	}
	w.queue = append(w.queue, &queued{fn: fn, res: res})
	w.qcond.Signal()
	w.qmu.Unlock()
	return res
}

// stop shuts the worker down and waits for its loop to exit.
func (w *Worker) stop() {
	w.qmu.Lock()
	w.stopped = true
	w.qcond.Broadcast()
	w.qmu.Unlock()
	w.wg.Wait()
}

// ID returns the worker's fleet position.
func (w *Worker) ID() int { return w.id }

// Rank returns the worker's cluster rank from the namespace, or -1 if
// the rank has not been scattered yet.
func (w *Worker) Rank() int {
	if v, err := w.Get(RankName); err == nil {
		if r, ok := v.(int); ok {
			return r
		}
	}
	return -1
}

// Getenv returns the named variable from the worker's environment
// snapshot, falling back to the process environment when the worker was
// built without an explicit one.
func (w *Worker) Getenv(key string) string {
	if w.env != nil {
		return w.env[key]
	}
	return os.Getenv(key)
}

// Mesh returns the collective transport attachment and this worker's
// rank within it. The mesh is nil when the fleet was built without one.
func (w *Worker) Mesh() (*comm.Mesh, int) { return w.mesh, w.meshRank }

// Get reads a namespace value.
func (w *Worker) Get(name string) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.ns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchName, name)
	}
	return v, nil
}

// Set writes a namespace value.
func (w *Worker) Set(name string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ns[name] = v
}

// Delete removes a namespace value. Deleting a missing name is a no-op:
// collectives clear their temporaries unconditionally.
func (w *Worker) Delete(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ns, name)
}

// Names returns the number of namespace entries. Used by tests.
func (w *Worker) Names() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ns)
}

// Clear empties the namespace.
func (w *Worker) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ns = map[string]any{}
}

// Chdir points the worker's working directory at path. The directory
// must exist on the worker's host.
func (w *Worker) Chdir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cluster: chdir %q: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cluster: chdir %q: not a directory", path)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wd = path
	return nil
}

// Workdir returns the worker's current working directory.
func (w *Worker) Workdir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wd
}

// SetThreadHook installs the linear-algebra thread-count control for
// this worker. A nil hook leaves thread-count requests as no-ops.
func (w *Worker) SetThreadHook(hook func(n int) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.threadHook = hook
}

// ApplyThreads asks the underlying linear-algebra library for n threads.
// Silently ignored when no hook is installed; idempotent.
func (w *Worker) ApplyThreads(n int) error {
	w.mu.Lock()
	hook := w.threadHook
	w.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(n)
}
