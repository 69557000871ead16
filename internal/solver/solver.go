// Package solver builds and dispatches the dependency graph for one
// scheduled operation: compute tasks fanned out per subproblem tag with
// owner affinity, clear tasks sequenced behind them, and cluster-wide
// reductions serialized at the end.
package solver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/events"
	"github.com/mwheeler-geo/parsim/internal/graph"
	"github.com/mwheeler-geo/parsim/internal/remote"
	"github.com/mwheeler-geo/parsim/internal/subslice"
	"github.com/mwheeler-geo/parsim/internal/telemetry"
)

// ErrBadSourceRange is returned when the caller passes a source range
// that is not a well-formed slice of the problem's source indices.
var ErrBadSourceRange = errors.New("solver: source range must be a slice")

// Entry is one named scheduled operation: the solve and clear function
// keys plus the field names to reduce afterwards.
type Entry struct {
	Solve  string   `toml:"solve"`
	Clear  string   `toml:"clear"`
	Reduce []string `toml:"reduce"`
}

// Schedule maps operation names to entries.
type Schedule map[string]Entry

// Problem describes the overarching problem being scheduled.
type Problem struct {
	// NSrc is the total number of sources.
	NSrc int

	// ChunksPerWorker sets how many compute chunks each hosting worker
	// receives per tag. Zero means 1.
	ChunksPerWorker int

	// EnsembleClear selects the clear policy: false clears after each
	// compute task individually, true clears once per hosting worker
	// after all of a tag's computes.
	EnsembleClear bool
}

// chunksPerWorker applies the default.
func (p Problem) chunksPerWorker() int {
	if p.ChunksPerWorker < 1 {
		return 1
	}
	return p.ChunksPerWorker
}

// SystemSolver schedules entries of one problem over the cluster.
type SystemSolver struct {
	problem  Problem
	remote   *remote.Interface
	schedule Schedule
	rec      events.Recorder
}

// New returns a solver for the given problem and schedule. A nil
// recorder discards events.
func New(problem Problem, r *remote.Interface, schedule Schedule, rec events.Recorder) *SystemSolver {
	if rec == nil {
		rec = events.Discard
	}
	return &SystemSolver{problem: problem, remote: r, schedule: schedule, rec: rec}
}

// tagPlacement is one tag's hosting set discovered from the fleet.
type tagPlacement struct {
	tag   endpoint.Tag
	ranks []int // hosting ranks, ascending
}

// Build constructs and dispatches the system graph for the named entry
// over the given source range. A nil range means all sources. The
// returned graph's End node completes once every compute, clear, and
// reduction has finished.
func (s *SystemSolver) Build(entryName string, isrcs *subslice.Slice) (*graph.Graph, error) {
	entry, ok := s.schedule[entryName]
	if !ok {
		return nil, fmt.Errorf("solver: no schedule entry %q", entryName)
	}

	srcs, err := s.resolveRange(isrcs)
	if err != nil {
		return nil, err
	}

	placements, err := s.discoverPlacements()
	if err != nil {
		return nil, err
	}
	if err := s.checkFunctions(entry); err != nil {
		return nil, err
	}

	lview := s.remote.LoadBalanced()
	epName := s.remote.EndpointName()
	workerIDs := s.remote.WorkerIDs()

	g := graph.New()
	const beginNode = "Begin"
	const endNode = "End"
	g.AddNode(beginNode)

	var clearJobs []*cluster.AsyncResult
	var tailNodes []string
	computeTasks := 0

	for _, pl := range placements {
		tag := pl.tag
		headNode := fmt.Sprintf("Head: %s", tag)
		g.AddEdge(beginNode, headNode)

		targets := make([]int, len(pl.ranks))
		for i, rank := range pl.ranks {
			targets[i] = workerIDs[rank]
		}

		works, err := subslice.Partition(srcs, s.problem.chunksPerWorker()*len(pl.ranks))
		if err != nil {
			return nil, err
		}

		var systemJobs []*cluster.AsyncResult
		var systemNodes []string
		iworks := 0
		for _, work := range works {
			if work.Empty() {
				continue
			}
			job := lview.Submit(cluster.SubmitSpec{Targets: targets}, s.computeTask(epName, entry.Solve, tag, work))
			label := fmt.Sprintf("Compute: %s, %d", tag, iworks)
			n := g.AddNode(label)
			n.Jobs = []*cluster.AsyncResult{job}
			w := work
			n.Subslice = &w
			tg := tag
			n.Tag = &tg
			g.AddEdge(headNode, label)
			systemJobs = append(systemJobs, job)
			systemNodes = append(systemNodes, label)
			s.rec.Record(events.Event{Type: events.TaskSubmitted, Actor: "solver", Subject: label, Message: work.String()})
			telemetry.RecordTaskSubmitted(context.Background(), "compute", tag.String())
			iworks++
		}
		computeTasks += iworks

		var endNodes []string
		if s.problem.EnsembleClear {
			wrapNode := fmt.Sprintf("Wrap: %s", tag)
			for _, label := range systemNodes {
				g.AddEdge(label, wrapNode)
			}
			for _, rank := range pl.ranks {
				job := lview.Submit(cluster.SubmitSpec{
					Targets: []int{workerIDs[rank]},
					After:   systemJobs,
				}, s.ensembleClearTask(epName, entry.Clear, tag, rank))
				clearJobs = append(clearJobs, job)
				label := fmt.Sprintf("Wrap: %s, %d", tag, rank)
				n := g.AddNode(label)
				n.Jobs = []*cluster.AsyncResult{job}
				tg := tag
				n.Tag = &tg
				n.Rank = rank
				g.AddEdge(wrapNode, label)
				endNodes = append(endNodes, label)
				telemetry.RecordTaskSubmitted(context.Background(), "clear", tag.String())
			}
		} else {
			for i, sjob := range systemJobs {
				job := lview.Submit(cluster.SubmitSpec{Follow: sjob}, s.clearTask(epName, entry.Clear, tag))
				clearJobs = append(clearJobs, job)
				label := fmt.Sprintf("Wrap: %s, %d", tag, i)
				n := g.AddNode(label)
				n.Jobs = []*cluster.AsyncResult{job}
				g.AddEdge(systemNodes[i], label)
				endNodes = append(endNodes, label)
				telemetry.RecordTaskSubmitted(context.Background(), "clear", tag.String())
			}
		}

		tailNode := fmt.Sprintf("Tail: %s", tag)
		for _, label := range endNodes {
			g.AddEdge(label, tailNode)
		}
		tailNodes = append(tailNodes, tailNode)
	}

	// Reductions run strictly one after the other so the root's global
	// fields are never written concurrently.
	after := clearJobs
	var lastReduce []*cluster.AsyncResult
	for _, label := range entry.Reduce {
		jobs := s.remote.ReduceLB(label, after)
		after = jobs
		if len(jobs) > 0 {
			lastReduce = jobs
		}
		s.rec.Record(events.Event{Type: events.ReduceSubmitted, Actor: "solver", Subject: label})
	}
	end := g.AddNode(endNode)
	end.Jobs = lastReduce
	for _, tailNode := range tailNodes {
		g.AddEdge(tailNode, endNode)
	}

	s.rec.Record(events.Event{
		Type:    events.GraphBuilt,
		Actor:   "solver",
		Subject: entryName,
		Message: fmt.Sprintf("%d nodes, %d compute tasks", g.Len(), computeTasks),
	})
	telemetry.RecordGraphBuilt(context.Background(), entryName, g.Len(), computeTasks)
	return g, nil
}

// resolveRange validates the caller's source range, substituting the
// full range for nil.
func (s *SystemSolver) resolveRange(isrcs *subslice.Slice) (subslice.Slice, error) {
	if isrcs == nil {
		return subslice.Slice{Start: 0, Stop: s.problem.NSrc}, nil
	}
	sl := *isrcs
	if sl.Start < 0 || sl.Stop < sl.Start || sl.Stop > s.problem.NSrc {
		return subslice.Slice{}, fmt.Errorf("%w: %s outside [0,%d)", ErrBadSourceRange, sl, s.problem.NSrc)
	}
	return sl, nil
}

// discoverPlacements queries every worker for its hosted tags and
// returns the union, each with its hosting ranks ascending. The direct
// view is rank-ordered, so position equals rank.
func (s *SystemSolver) discoverPlacements() ([]tagPlacement, error) {
	epName := s.remote.EndpointName()
	vals, err := s.remote.Get(epName)
	if err != nil {
		return nil, fmt.Errorf("solver: discovering subproblem placement: %w", err)
	}
	hosting := map[endpoint.Tag][]int{}
	for rank, v := range vals {
		ep, ok := v.(*endpoint.Endpoint)
		if !ok {
			return nil, fmt.Errorf("solver: worker rank %d has no endpoint under %q", rank, epName)
		}
		for _, tag := range ep.Tags() {
			hosting[tag] = append(hosting[tag], rank)
		}
	}
	placements := make([]tagPlacement, 0, len(hosting))
	for tag, ranks := range hosting {
		slices.Sort(ranks)
		placements = append(placements, tagPlacement{tag: tag, ranks: ranks})
	}
	slices.SortFunc(placements, func(a, b tagPlacement) int {
		if a.tag.Freq != b.tag.Freq {
			return a.tag.Freq - b.tag.Freq
		}
		return a.tag.Param - b.tag.Param
	})
	return placements, nil
}

// checkFunctions verifies the entry's solve and clear keys resolve on
// every worker before any task is submitted.
func (s *SystemSolver) checkFunctions(entry Entry) error {
	epName := s.remote.EndpointName()
	vals, err := s.remote.Get(epName)
	if err != nil {
		return err
	}
	for rank, v := range vals {
		ep := v.(*endpoint.Endpoint)
		if _, err := ep.SolveFn(entry.Solve); err != nil {
			return fmt.Errorf("solver: rank %d: %w", rank, err)
		}
		if _, err := ep.ClearFn(entry.Clear); err != nil {
			return fmt.Errorf("solver: rank %d: %w", rank, err)
		}
	}
	return nil
}

// computeTask builds the body of one compute submission. The ownership
// check keeps affinity strict even if the load balancer offers the
// task to a non-hosting worker.
func (s *SystemSolver) computeTask(epName, solveKey string, tag endpoint.Tag, work subslice.Slice) cluster.TaskFunc {
	return func(w *cluster.Worker) (any, error) {
		ep, err := remote.Endpoint(w, epName)
		if err != nil {
			return nil, err
		}
		if _, owned := ep.LocalProblems[tag]; !owned {
			return nil, cluster.ErrUnmetDependency
		}
		fn, err := ep.SolveFn(solveKey)
		if err != nil {
			return nil, err
		}
		return nil, fn(ep, tag, work)
	}
}

// clearTask builds the body of an individual clear submission. It
// follows its compute task, so it runs on the worker holding the
// freshly computed state.
func (s *SystemSolver) clearTask(epName, clearKey string, tag endpoint.Tag) cluster.TaskFunc {
	return func(w *cluster.Worker) (any, error) {
		ep, err := remote.Endpoint(w, epName)
		if err != nil {
			return nil, err
		}
		if _, owned := ep.LocalProblems[tag]; !owned {
			return nil, cluster.ErrUnmetDependency
		}
		fn, err := ep.ClearFn(clearKey)
		if err != nil {
			return nil, err
		}
		return nil, fn(ep, tag)
	}
}

// ensembleClearTask builds the body of a per-rank ensemble clear: only
// the matching worker may run it; any other raises an unmet dependency
// so the load balancer reassigns.
func (s *SystemSolver) ensembleClearTask(epName, clearKey string, tag endpoint.Tag, rank int) cluster.TaskFunc {
	return func(w *cluster.Worker) (any, error) {
		if w.Rank() != rank {
			return nil, cluster.ErrUnmetDependency
		}
		ep, err := remote.Endpoint(w, epName)
		if err != nil {
			return nil, err
		}
		if _, owned := ep.LocalProblems[tag]; !owned {
			return nil, cluster.ErrUnmetDependency
		}
		fn, err := ep.ClearFn(clearKey)
		if err != nil {
			return nil, err
		}
		return nil, fn(ep, tag)
	}
}

// Wait blocks until the graph's terminal work completes: End's jobs
// when present, otherwise the jobs of each predecessor of End's
// predecessors.
func (s *SystemSolver) Wait(ctx context.Context, g *graph.Graph) error {
	end := g.Node("End")
	if end == nil {
		return fmt.Errorf("solver: graph has no End node")
	}
	if len(end.Jobs) > 0 {
		return cluster.WaitAll(ctx, end.Jobs)
	}
	var jobs []*cluster.AsyncResult
	for _, tail := range g.Predecessors("End") {
		for _, wrap := range g.Predecessors(tail) {
			if n := g.Node(wrap); n != nil {
				jobs = append(jobs, n.Jobs...)
			}
		}
	}
	return cluster.WaitAll(ctx, jobs)
}
