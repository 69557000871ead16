package cluster

import "errors"

// ErrUnmetDependency is returned by a task body whose placement
// predicate fails on the worker it landed on. The load-balanced view
// reacts by excluding that worker and rescheduling the task.
var ErrUnmetDependency = errors.New("cluster: unmet dependency")

// ErrPermanentUnmetDependency means no remaining worker can satisfy a
// task's placement predicate. Fatal for the submitting invocation.
var ErrPermanentUnmetDependency = errors.New("cluster: permanent unmet dependency")

// ErrStopped is returned for tasks submitted to (or still queued on) a
// stopped worker.
var ErrStopped = errors.New("cluster: worker stopped")

// ErrNoSuchName is returned when a namespace lookup misses.
var ErrNoSuchName = errors.New("cluster: no such name")
