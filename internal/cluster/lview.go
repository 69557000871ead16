package cluster

import (
	"errors"
	"fmt"
	"sync"
)

// SubmitSpec constrains where and when a load-balanced task may run.
type SubmitSpec struct {
	// Targets lists the candidate worker ids. Nil means the whole fleet.
	Targets []int

	// After lists jobs that must complete before this task runs. An
	// upstream failure makes the task fail with a permanent unmet
	// dependency instead of running.
	After []*AsyncResult

	// Follow pins the task to the worker that ran the given job.
	// Implies waiting for that job. Combined with Targets, the follow
	// worker must be among the targets.
	Follow *AsyncResult
}

// LoadBalancedView places tasks across the fleet subject to a
// [SubmitSpec]. A task body that returns [ErrUnmetDependency] is
// rescheduled on the remaining candidates; when no candidate accepts it
// the job fails with [ErrPermanentUnmetDependency].
type LoadBalancedView struct {
	c *Client

	mu   sync.Mutex
	next int // rotates the first candidate across submissions
}

// Submit schedules fn under spec and returns its future immediately.
func (v *LoadBalancedView) Submit(spec SubmitSpec, fn TaskFunc) *AsyncResult {
	res := newAsyncResult()
	v.mu.Lock()
	offset := v.next
	v.next++
	v.mu.Unlock()
	go v.dispatch(spec, fn, res, offset)
	return res
}

// dispatch waits out the spec's dependencies, then tries candidates in
// rotation until one runs the task or all have declined.
func (v *LoadBalancedView) dispatch(spec SubmitSpec, fn TaskFunc, res *AsyncResult, offset int) {
	deps := spec.After
	if spec.Follow != nil {
		deps = append(append([]*AsyncResult(nil), deps...), spec.Follow)
	}
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		<-dep.done
		if dep.Err() != nil {
			res.complete(-1, nil, fmt.Errorf("%w: upstream job %s failed", ErrPermanentUnmetDependency, dep.ID()))
			return
		}
	}

	candidates, err := v.candidates(spec)
	if err != nil {
		res.complete(-1, nil, err)
		return
	}

	for i := range candidates {
		w := candidates[(offset+i)%len(candidates)]
		attempt := w.submit(fn)
		<-attempt.done
		if errors.Is(attempt.Err(), ErrUnmetDependency) {
			continue
		}
		res.complete(w.ID(), attempt.Value(), attempt.Err())
		return
	}
	res.complete(-1, nil, fmt.Errorf("%w: all %d candidate workers declined", ErrPermanentUnmetDependency, len(candidates)))
}

// candidates resolves the spec's worker set, honoring Follow pinning.
func (v *LoadBalancedView) candidates(spec SubmitSpec) ([]*Worker, error) {
	ids := spec.Targets
	if ids == nil {
		ids = v.c.Ids()
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty target set", ErrPermanentUnmetDependency)
	}

	if spec.Follow != nil {
		rank := spec.Follow.Rank()
		for _, id := range ids {
			if id == rank {
				return []*Worker{v.c.Worker(id)}, nil
			}
		}
		return nil, fmt.Errorf("%w: follow worker %d not in target set", ErrPermanentUnmetDependency, rank)
	}

	ws := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= v.c.Size() {
			return nil, fmt.Errorf("cluster: no worker %d in fleet of %d", id, v.c.Size())
		}
		ws = append(ws, v.c.Worker(id))
	}
	return ws, nil
}
