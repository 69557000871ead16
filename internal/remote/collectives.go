package remote

import (
	"fmt"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/fields"
	"github.com/mwheeler-geo/parsim/internal/telemetry"
)

// tempName mangles a key for collective scratch storage on workers.
// Temporaries are deleted at the end of each collective.
func tempName(key string) string { return "temp_" + key }

// asContainer coerces a namespace value into a field container.
func asContainer(v any) (fields.Container, error) {
	c, ok := v.(fields.Container)
	if !ok {
		return nil, fmt.Errorf("remote: value is %T, not a field container", v)
	}
	return c, nil
}

// cloneValue deep-copies container values crossing the transport so
// workers never alias each other's buffers. Non-container values pass
// through.
func cloneValue(v any) any {
	if c, ok := v.(fields.Container); ok {
		return c.Clone()
	}
	return v
}

// foldAdd is the reduction operator: elementwise addition promoted over
// the container's shape.
func foldAdd(acc, next any) (any, error) {
	a, err := asContainer(acc)
	if err != nil {
		return nil, err
	}
	b, err := asContainer(next)
	if err != nil {
		return nil, err
	}
	return a.Add(b)
}

// Set stores v under key on every worker. Under the collective
// transport the value lands on root and is broadcast out; under the
// star topology the client sends to each worker individually.
func (r *Interface) Set(key string, v any) error {
	defer telemetry.RecordCollective("set", key)
	if !r.useMPI {
		return r.dview.Execute(func(w *cluster.Worker) (any, error) {
			w.Set(key, cloneValue(v))
			return nil, nil
		})
	}
	if err := r.e0.Set(key, cloneValue(v)); err != nil {
		return err
	}
	return r.bcastFromRoot(key)
}

// bcastFromRoot pushes root's value under key into every worker's
// namespace. Non-root entries are nullified first, then populated by
// the broadcast.
func (r *Interface) bcastFromRoot(key string) error {
	return r.dview.Execute(func(w *cluster.Worker) (any, error) {
		mesh, rank := w.Mesh()
		var val any
		var verr error
		if rank == 0 {
			val, verr = w.Get(key)
		} else {
			w.Set(key, nil)
		}
		// Enter the collective even on error: a missing root value must
		// not strand the other members mid-broadcast.
		got := mesh.Bcast(rank, 0, val)
		if verr != nil {
			return nil, verr
		}
		if rank != 0 {
			w.Set(key, cloneValue(got))
		}
		return nil, nil
	})
}

// Get returns the per-worker values under key, ordered by rank
// ascending. Under the collective transport the values are gathered to
// root and pulled once; under the star topology each worker is read
// individually.
func (r *Interface) Get(key string) ([]any, error) {
	defer telemetry.RecordCollective("get", key)
	if !r.useMPI {
		return r.dview.Get(key)
	}
	temp := tempName(key)
	if err := r.dview.Execute(func(w *cluster.Worker) (any, error) {
		mesh, rank := w.Mesh()
		val, verr := w.Get(key)
		gathered := mesh.Gather(rank, 0, val)
		if rank == 0 {
			w.Set(temp, gathered)
		}
		return nil, verr
	}); err != nil {
		return nil, err
	}
	pulled, err := r.pullRoot(temp)
	if err != nil {
		return nil, err
	}
	if err := r.e0.Delete(temp); err != nil {
		return nil, err
	}
	vals, ok := pulled.([]any)
	if !ok {
		return nil, fmt.Errorf("remote: gathered %q is %T", key, pulled)
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = cloneValue(v)
	}
	return out, nil
}

// pullRoot reads a value from the root worker's namespace, cloning
// containers as a network pull would.
func (r *Interface) pullRoot(name string) (any, error) {
	vals, err := r.e0.Get(name)
	if err != nil {
		return nil, err
	}
	return cloneValue(vals[0]), nil
}

// reduceToRoot performs the collective reduction of key, leaving the
// folded value under the mangled temp name on the root worker.
// Collective transport only.
func (r *Interface) reduceToRoot(key string) error {
	temp := tempName(key)
	return r.dview.Execute(func(w *cluster.Worker) (any, error) {
		mesh, rank := w.Mesh()
		val, verr := w.Get(key)
		red, rerr := mesh.Reduce(rank, 0, val, foldAdd)
		if verr != nil {
			return nil, verr
		}
		if rerr != nil {
			return nil, rerr
		}
		if rank == 0 {
			w.Set(temp, red)
		}
		return nil, nil
	})
}

// Reduce returns the sum over workers of each worker's value under key,
// with addition promoted over the container's shape. Both transports
// produce identical results.
func (r *Interface) Reduce(key string) (fields.Container, error) {
	defer telemetry.RecordCollective("reduce", key)
	if !r.useMPI {
		return r.starReduce(key)
	}
	temp := tempName(key)
	if err := r.reduceToRoot(key); err != nil {
		return nil, err
	}
	pulled, err := r.pullRoot(temp)
	if err != nil {
		return nil, err
	}
	if err := r.dview.Delete(temp); err != nil {
		return nil, err
	}
	return asContainer(pulled)
}

// starReduce folds the per-worker values with addition in the client.
func (r *Interface) starReduce(key string) (fields.Container, error) {
	vals, err := r.dview.Get(key)
	if err != nil {
		return nil, err
	}
	acc := cloneValue(vals[0])
	for _, next := range vals[1:] {
		folded, err := foldAdd(acc, next)
		if err != nil {
			return nil, err
		}
		acc = folded
	}
	return asContainer(acc)
}

// ReduceMul reduces key1 and key2, multiplies the results elementwise,
// and, when axis is non-nil, sums the product along that axis on the
// root. The result is returned to the client.
func (r *Interface) ReduceMul(key1, key2 string, axis *int) (fields.Container, error) {
	defer telemetry.RecordCollective("reduce_mul", key1)
	if !r.useMPI {
		item1, err := r.starReduce(key1)
		if err != nil {
			return nil, err
		}
		item2, err := r.starReduce(key2)
		if err != nil {
			return nil, err
		}
		prod, err := item1.Mul(item2)
		if err != nil {
			return nil, err
		}
		if axis != nil {
			return prod.SumAxis(*axis)
		}
		return prod, nil
	}

	temp1, temp2 := tempName(key1), tempName(key2)
	tempProd := tempName(key1 + key2)
	if err := r.reduceToRoot(key1); err != nil {
		return nil, err
	}
	if err := r.reduceToRoot(key2); err != nil {
		return nil, err
	}
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		t1, err := w.Get(temp1)
		if err != nil {
			return nil, err
		}
		t2, err := w.Get(temp2)
		if err != nil {
			return nil, err
		}
		c1, err := asContainer(t1)
		if err != nil {
			return nil, err
		}
		c2, err := asContainer(t2)
		if err != nil {
			return nil, err
		}
		prod, err := c1.Mul(c2)
		if err != nil {
			return nil, err
		}
		if axis != nil {
			prod, err = prod.SumAxis(*axis)
			if err != nil {
				return nil, err
			}
		}
		w.Set(tempProd, prod)
		return nil, nil
	}); err != nil {
		return nil, err
	}
	pulled, err := r.pullRoot(tempProd)
	if err != nil {
		return nil, err
	}
	if err := r.dview.Delete(temp1); err != nil {
		return nil, err
	}
	if err := r.dview.Delete(temp2); err != nil {
		return nil, err
	}
	if err := r.e0.Delete(tempProd); err != nil {
		return nil, err
	}
	return asContainer(pulled)
}

// RemoteDifference computes reduce(key1) - reduce(key2) and writes the
// result into every worker's namespace under keyResult. On the root the
// full value is set directly; other ranks are nullified and populated
// by broadcast.
func (r *Interface) RemoteDifference(key1, key2, keyResult string) error {
	defer telemetry.RecordCollective("remote_difference", keyResult)
	if !r.useMPI {
		item1, err := r.starReduce(key1)
		if err != nil {
			return err
		}
		item2, err := r.starReduce(key2)
		if err != nil {
			return err
		}
		diff, err := item1.Sub(item2)
		if err != nil {
			return err
		}
		return r.dview.Execute(func(w *cluster.Worker) (any, error) {
			w.Set(keyResult, cloneValue(diff))
			return nil, nil
		})
	}

	temp1, temp2 := tempName(key1), tempName(key2)
	if err := r.reduceToRoot(key1); err != nil {
		return err
	}
	if err := r.reduceToRoot(key2); err != nil {
		return err
	}
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		t1, err := w.Get(temp1)
		if err != nil {
			return nil, err
		}
		t2, err := w.Get(temp2)
		if err != nil {
			return nil, err
		}
		c1, err := asContainer(t1)
		if err != nil {
			return nil, err
		}
		c2, err := asContainer(t2)
		if err != nil {
			return nil, err
		}
		diff, err := c1.Sub(c2)
		if err != nil {
			return nil, err
		}
		w.Set(keyResult, diff)
		return nil, nil
	}); err != nil {
		return err
	}
	if err := r.bcastFromRoot(keyResult); err != nil {
		return err
	}
	if err := r.e0.Delete(temp1); err != nil {
		return err
	}
	return r.e0.Delete(temp2)
}

// RemoteOpGatherFirst computes reduce(key1) op key2 and broadcasts the
// result under keyResult. key2 is not reduced: it is read as-is from
// the root, assumed already equal across workers. op is one of + - * /.
func (r *Interface) RemoteOpGatherFirst(op, key1, key2, keyResult string) error {
	defer telemetry.RecordCollective("remote_op_gather_first", keyResult)
	if !r.useMPI {
		item1, err := r.starReduce(key1)
		if err != nil {
			return err
		}
		vals, err := r.e0.Get(key2)
		if err != nil {
			return err
		}
		item2, err := asContainer(vals[0])
		if err != nil {
			return err
		}
		res, err := fields.Apply(op, item1, item2)
		if err != nil {
			return err
		}
		return r.dview.Execute(func(w *cluster.Worker) (any, error) {
			w.Set(keyResult, cloneValue(res))
			return nil, nil
		})
	}

	temp1 := tempName(key1)
	if err := r.reduceToRoot(key1); err != nil {
		return err
	}
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		t1, err := w.Get(temp1)
		if err != nil {
			return nil, err
		}
		v2, err := w.Get(key2)
		if err != nil {
			return nil, err
		}
		c1, err := asContainer(t1)
		if err != nil {
			return nil, err
		}
		c2, err := asContainer(v2)
		if err != nil {
			return nil, err
		}
		res, err := fields.Apply(op, c1, c2)
		if err != nil {
			return nil, err
		}
		w.Set(keyResult, res)
		return nil, nil
	}); err != nil {
		return err
	}
	if err := r.bcastFromRoot(keyResult); err != nil {
		return err
	}
	return r.e0.Delete(temp1)
}

// RemoteDifferenceGatherFirst is RemoteOpGatherFirst with subtraction.
func (r *Interface) RemoteDifferenceGatherFirst(key1, key2, keyResult string) error {
	return r.RemoteOpGatherFirst("-", key1, key2, keyResult)
}

// srcEst computes S = (conj(k2) . r1) / (conj(r1) . r1) with the inner
// product over all axes (individual=false) or all-but-the-first axis
// (individual=true, one estimate per source).
func srcEst(r1, k2 fields.Container, individual bool) (fields.Container, error) {
	num, err := k2.Conj().Mul(r1)
	if err != nil {
		return nil, err
	}
	den, err := r1.Conj().Mul(r1)
	if err != nil {
		return nil, err
	}
	if !individual {
		return fields.Scalar(num.SumAll()).Div(fields.Scalar(den.SumAll()))
	}
	numSum, err := fields.SumTrailing(num)
	if err != nil {
		return nil, err
	}
	denSum, err := fields.SumTrailing(den)
	if err != nil {
		return nil, err
	}
	return numSum.Div(denSum)
}

// RemoteSrcEst estimates the source scaling
// S = (conj(key2) . reduce(key1)) / (conj(reduce(key1)) . reduce(key1))
// and broadcasts it into every worker's namespace under keyResult.
func (r *Interface) RemoteSrcEst(keyResult, key1, key2 string, individual bool) error {
	defer telemetry.RecordCollective("remote_src_est", keyResult)
	if !r.useMPI {
		r1, err := r.starReduce(key1)
		if err != nil {
			return err
		}
		vals, err := r.e0.Get(key2)
		if err != nil {
			return err
		}
		k2, err := asContainer(vals[0])
		if err != nil {
			return err
		}
		s, err := srcEst(r1, k2, individual)
		if err != nil {
			return err
		}
		return r.dview.Execute(func(w *cluster.Worker) (any, error) {
			w.Set(keyResult, cloneValue(s))
			return nil, nil
		})
	}

	temp1 := tempName(key1)
	if err := r.reduceToRoot(key1); err != nil {
		return err
	}
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		t1, err := w.Get(temp1)
		if err != nil {
			return nil, err
		}
		r1, err := asContainer(t1)
		if err != nil {
			return nil, err
		}
		v2, err := w.Get(key2)
		if err != nil {
			return nil, err
		}
		k2, err := asContainer(v2)
		if err != nil {
			return nil, err
		}
		s, err := srcEst(r1, k2, individual)
		if err != nil {
			return nil, err
		}
		w.Set(keyResult, s)
		return nil, nil
	}); err != nil {
		return err
	}
	if err := r.bcastFromRoot(keyResult); err != nil {
		return err
	}
	return r.e0.Delete(temp1)
}

// RemoteApplySrc rescales data in place on every worker:
// keyData <- keySrc * keyData. The source term may be a scalar or a
// per-source vector broadcast along the leading axis.
func (r *Interface) RemoteApplySrc(keyData, keySrc string) error {
	defer telemetry.RecordCollective("remote_apply_src", keyData)
	return r.dview.Execute(func(w *cluster.Worker) (any, error) {
		dv, err := w.Get(keyData)
		if err != nil {
			return nil, err
		}
		sv, err := w.Get(keySrc)
		if err != nil {
			return nil, err
		}
		data, err := asContainer(dv)
		if err != nil {
			return nil, err
		}
		src, err := asContainer(sv)
		if err != nil {
			return nil, err
		}
		res, err := data.Mul(src)
		if err != nil {
			return nil, err
		}
		w.Set(keyData, res)
		return nil, nil
	})
}

// RemoteMulE0 multiplies two values elementwise on the root worker,
// optionally sums the product along an axis, and returns it to the
// client.
func (r *Interface) RemoteMulE0(key1, key2 string, axis *int) (fields.Container, error) {
	defer telemetry.RecordCollective("remote_mul_e0", key1)
	const temp = "temp_field"
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		v1, err := w.Get(key1)
		if err != nil {
			return nil, err
		}
		v2, err := w.Get(key2)
		if err != nil {
			return nil, err
		}
		c1, err := asContainer(v1)
		if err != nil {
			return nil, err
		}
		c2, err := asContainer(v2)
		if err != nil {
			return nil, err
		}
		prod, err := c1.Mul(c2)
		if err != nil {
			return nil, err
		}
		if axis != nil {
			prod, err = prod.SumAxis(*axis)
			if err != nil {
				return nil, err
			}
		}
		w.Set(temp, prod)
		return nil, nil
	}); err != nil {
		return nil, err
	}
	pulled, err := r.pullRoot(temp)
	if err != nil {
		return nil, err
	}
	if err := r.e0.Delete(temp); err != nil {
		return nil, err
	}
	return asContainer(pulled)
}

// sumLeadingTwice folds the leading axis twice; keyed containers
// delegate per key, so per-key (nsrc, nrec) buffers collapse to one
// scalar per key.
func sumLeadingTwice(c fields.Container) (fields.Container, error) {
	s, err := c.SumAxis(0)
	if err != nil {
		return nil, err
	}
	return s.SumAxis(0)
}

// NormFromDifference computes, on the root, the per-key norm
// sqrt(sum(key * conj(key))).real with the sum folding the two leading
// axes, and returns it as a merged keyed container.
func (r *Interface) NormFromDifference(key string) (*fields.Reducer, error) {
	defer telemetry.RecordCollective("norm_from_difference", key)
	const temp = "temp_norm"
	if err := r.e0.Execute(func(w *cluster.Worker) (any, error) {
		v, err := w.Get(key)
		if err != nil {
			return nil, err
		}
		c, err := asContainer(v)
		if err != nil {
			return nil, err
		}
		prod, err := c.Mul(c.Conj())
		if err != nil {
			return nil, err
		}
		summed, err := sumLeadingTwice(prod)
		if err != nil {
			return nil, err
		}
		root, err := fields.Sqrt(summed)
		if err != nil {
			return nil, err
		}
		w.Set(temp, root.Real())
		return nil, nil
	}); err != nil {
		return nil, err
	}
	pulled, err := r.pullRoot(temp)
	if err != nil {
		return nil, err
	}
	if err := r.e0.Delete(temp); err != nil {
		return nil, err
	}
	red, ok := pulled.(*fields.Reducer)
	if !ok {
		return nil, fmt.Errorf("remote: norm source %q is %T, not a keyed container", key, pulled)
	}
	return red, nil
}
