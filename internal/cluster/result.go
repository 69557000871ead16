package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AsyncResult is the future for a submitted task. It becomes ready
// exactly once, either with a value or an error, and records the fleet
// ID of the worker that finally ran the task.
type AsyncResult struct {
	id   string
	done chan struct{}

	mu   sync.Mutex
	val  any
	err  error
	rank int
}

func newAsyncResult() *AsyncResult {
	return &AsyncResult{id: uuid.NewString(), done: make(chan struct{}), rank: -1}
}

// ID returns the job's unique identifier.
func (r *AsyncResult) ID() string { return r.id }

// Ready reports whether the job has completed (successfully or not).
func (r *AsyncResult) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Successful reports whether the job completed without error.
// False while the job is still pending.
func (r *AsyncResult) Successful() bool {
	if !r.Ready() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err == nil
}

// Wait blocks until the job completes or ctx is canceled, returning the
// job's error (or ctx.Err on cancellation).
func (r *AsyncResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value returns the task's return value. Valid only after Ready.
func (r *AsyncResult) Value() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val
}

// Err returns the task's error. Valid only after Ready.
func (r *AsyncResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Rank returns the fleet ID (Worker.ID) of the worker that ran the task,
// or -1 if the job never ran. It equals the cluster rank unless the
// collective transport has reordered ranks.
func (r *AsyncResult) Rank() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rank
}

// complete resolves the future. Must be called at most once.
func (r *AsyncResult) complete(rank int, val any, err error) {
	r.mu.Lock()
	r.rank = rank
	r.val = val
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Go runs fn on a client-side goroutine once every dep has completed
// successfully, returning its future. A failed dep fails the job with a
// permanent unmet dependency instead of running fn. Used for hub-side
// work that must sequence with worker jobs.
func Go(deps []*AsyncResult, fn func() (any, error)) *AsyncResult {
	res := newAsyncResult()
	go func() {
		for _, d := range deps {
			if d == nil {
				continue
			}
			<-d.done
			if err := d.Err(); err != nil {
				res.complete(-1, nil, fmt.Errorf("%w: upstream job %s failed", ErrPermanentUnmetDependency, d.ID()))
				return
			}
		}
		v, err := fn()
		res.complete(-1, v, err)
	}()
	return res
}

// WaitAll blocks until every job completes or ctx is canceled. Returns
// the first job error encountered (in argument order), if any.
func WaitAll(ctx context.Context, jobs []*AsyncResult) error {
	var firstErr error
	for _, j := range jobs {
		if j == nil {
			continue
		}
		if err := j.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
