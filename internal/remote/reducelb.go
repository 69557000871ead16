package remote

import (
	"fmt"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/fields"
	"github.com/mwheeler-geo/parsim/internal/telemetry"
)

// localField reads the named local field buffer, lazily constructing an
// empty container from the field spec when a worker never computed into
// it (a worker may own no sources for a given field).
func localField(ep *endpoint.Endpoint, key string) (fields.Container, error) {
	if c, ok := ep.LocalFields[key]; ok {
		return c, nil
	}
	ctor, ok := ep.FieldSpec[key]
	if !ok {
		return nil, fmt.Errorf("remote: no field spec for %q", key)
	}
	c := ctor()
	ep.LocalFields[key] = c
	return c, nil
}

// ReduceLB performs the load-balanced reduction of one field name:
// every worker folds its local field buffer into the cluster-wide
// aggregate, which lands in GlobalFields on rank 0 only.
//
// Under the collective transport this submits one job pinned to each
// rank; the jobs jointly run the collective reduction after the given
// upstream jobs complete. Under the star topology a single client-side
// job gathers the per-worker buffers, folds them, and stores the result
// on rank 0.
func (r *Interface) ReduceLB(key string, after []*cluster.AsyncResult) []*cluster.AsyncResult {
	defer telemetry.RecordCollective("reduce_lb", key)
	name := r.endpointName
	if !r.useMPI {
		return []*cluster.AsyncResult{r.starReduceLB(key, after)}
	}

	ids := r.WorkerIDs()
	jobs := make([]*cluster.AsyncResult, len(ids))
	for rank, id := range ids {
		jobs[rank] = r.lview.Submit(cluster.SubmitSpec{Targets: []int{id}, After: after},
			func(w *cluster.Worker) (any, error) {
				// Every pinned job must enter the collective, value or
				// not, or the root strands its peers mid-gather.
				var buf fields.Container
				ep, verr := Endpoint(w, name)
				if verr == nil {
					buf, verr = localField(ep, key)
				}
				mesh, mrank := w.Mesh()
				var contrib any
				if buf != nil {
					contrib = buf
				}
				red, rerr := mesh.Reduce(mrank, 0, contrib, foldAdd)
				if verr != nil {
					return nil, verr
				}
				if rerr != nil {
					return nil, rerr
				}
				if mrank == 0 {
					folded, err := asContainer(red)
					if err != nil {
						return nil, err
					}
					ep.GlobalFields[key] = folded
				}
				return nil, nil
			})
	}
	return jobs
}

// starReduceLB is the hub-side fallback: gather, fold, and store the
// aggregate in rank 0's GlobalFields.
func (r *Interface) starReduceLB(key string, after []*cluster.AsyncResult) *cluster.AsyncResult {
	name := r.endpointName
	return cluster.Go(after, func() (any, error) {
		vals, err := r.dview.Apply(func(w *cluster.Worker) (any, error) {
			ep, err := Endpoint(w, name)
			if err != nil {
				return nil, err
			}
			return localField(ep, key)
		})
		if err != nil {
			return nil, err
		}
		acc := cloneValue(vals[0])
		for _, next := range vals[1:] {
			acc, err = foldAdd(acc, next)
			if err != nil {
				return nil, err
			}
		}
		folded, err := asContainer(acc)
		if err != nil {
			return nil, err
		}
		return nil, r.e0.Execute(func(w *cluster.Worker) (any, error) {
			ep, err := Endpoint(w, name)
			if err != nil {
				return nil, err
			}
			ep.GlobalFields[key] = folded
			return nil, nil
		})
	})
}
