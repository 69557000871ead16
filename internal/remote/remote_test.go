package remote

import (
	"errors"
	"strings"
	"testing"

	"github.com/mwheeler-geo/parsim/internal/cluster"
	"github.com/mwheeler-geo/parsim/internal/endpoint"
	"github.com/mwheeler-geo/parsim/internal/events"
	"github.com/mwheeler-geo/parsim/internal/fields"
)

// connectFleet builds an in-process fleet whose environment either
// carries a collective-transport bellwether (mpi) or not.
func connectFleet(t *testing.T, n int, mpi bool, perm []int) (*cluster.Client, *Interface) {
	t.Helper()
	env := func(id int) map[string]string {
		if mpi {
			return map[string]string{"OMPI_UNIVERSE_SIZE": "8"}
		}
		return map[string]string{}
	}
	client, err := cluster.Connect(n, cluster.Options{Env: env, MeshPermutation: perm})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	iface, err := New(client, Options{Events: events.NewFake()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, iface
}

// setPerRank stores a rank-derived container under key on each worker.
func setPerRank(t *testing.T, client *cluster.Client, key string, build func(rank int) fields.Container) {
	t.Helper()
	if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
		w.Set(key, build(w.Rank()))
		return nil, nil
	}); err != nil {
		t.Fatalf("seeding %q: %v", key, err)
	}
}

// denseOf builds a rank-1 container from values.
func denseOf(t *testing.T, vals ...complex128) *fields.Dense {
	t.Helper()
	d, err := fields.NewDense([]int{len(vals)}, vals)
	if err != nil {
		t.Fatalf("NewDense() error = %v", err)
	}
	return d
}

// assertNoTemps fails if any worker namespace still holds a mangled
// collective temporary.
func assertNoTemps(t *testing.T, client *cluster.Client, keys ...string) {
	t.Helper()
	for _, key := range keys {
		vals, err := client.DirectView().Apply(func(w *cluster.Worker) (any, error) {
			_, err := w.Get(key)
			return err == nil, nil
		})
		if err != nil {
			t.Fatalf("checking %q: %v", key, err)
		}
		for rank, present := range vals {
			if present == true {
				t.Errorf("worker rank %d still holds temporary %q", rank, key)
			}
		}
	}
}

func TestTransportProbe(t *testing.T) {
	_, collective := connectFleet(t, 2, true, nil)
	if !collective.UseMPI() {
		t.Error("UseMPI() = false with bellwethers present on all workers")
	}
	_, star := connectFleet(t, 2, false, nil)
	if star.UseMPI() {
		t.Error("UseMPI() = true with no bellwethers")
	}
}

func TestTransportProbeRequiresAllWorkers(t *testing.T) {
	// One worker without the bellwether forces the star topology.
	env := func(id int) map[string]string {
		if id == 0 {
			return map[string]string{"PMI_SIZE": "2"}
		}
		return map[string]string{}
	}
	client, err := cluster.Connect(2, cluster.Options{Env: env})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	iface, err := New(client, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if iface.UseMPI() {
		t.Error("UseMPI() = true with a partial bellwether fleet")
	}
}

func TestMPIDisabledByOption(t *testing.T) {
	client, err := cluster.Connect(2, cluster.Options{Env: func(int) map[string]string {
		return map[string]string{"PMI_SIZE": "2"}
	}})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	off := false
	iface, err := New(client, Options{MPI: &off})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if iface.UseMPI() {
		t.Error("UseMPI() = true despite MPI=false option")
	}
}

func TestRankReorderMatchesTransport(t *testing.T) {
	// Mesh ranks permuted against fleet ids: the interface must reorder
	// so view position r serves transport rank r.
	perm := []int{2, 0, 1} // worker id -> mesh rank
	_, iface := connectFleet(t, 3, true, perm)
	ids := iface.WorkerIDs()
	for rank, id := range ids {
		if perm[id] != rank {
			t.Errorf("WorkerIDs()[%d] = %d, but that worker's mesh rank is %d", rank, id, perm[id])
		}
	}
}

func TestSetReachesEveryWorker(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 3, mpi, nil)
		if err := iface.Set("model", denseOf(t, 1, 2)); err != nil {
			t.Fatalf("mpi=%v Set() error = %v", mpi, err)
		}
		vals, err := iface.Get("model")
		if err != nil {
			t.Fatalf("mpi=%v Get() error = %v", mpi, err)
		}
		if len(vals) != 3 {
			t.Fatalf("mpi=%v Get() returned %d values", mpi, len(vals))
		}
		for rank, v := range vals {
			d := v.(*fields.Dense)
			if d.At(0) != 1 || d.At(1) != 2 {
				t.Errorf("mpi=%v rank %d value = %v", mpi, rank, d.Data())
			}
		}
		// Workers must not alias one buffer: mutate rank 0's copy and
		// confirm rank 1 is untouched.
		if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
			if w.Rank() == 0 {
				v, _ := w.Get("model")
				v.(*fields.Dense).Set(99, 0)
			}
			return nil, nil
		}); err != nil {
			t.Fatalf("mutating: %v", err)
		}
		vals, err = iface.Get("model")
		if err != nil {
			t.Fatalf("mpi=%v Get() after mutate error = %v", mpi, err)
		}
		if vals[1].(*fields.Dense).At(0) == 99 {
			t.Errorf("mpi=%v workers share one buffer", mpi)
		}
		assertNoTemps(t, client, "temp_model")
	}
}

func TestGetOrderedByRank(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 3, mpi, nil)
		setPerRank(t, client, "k", func(rank int) fields.Container {
			return denseOf(t, complex(float64(rank), 0))
		})
		vals, err := iface.Get("k")
		if err != nil {
			t.Fatalf("mpi=%v Get() error = %v", mpi, err)
		}
		for rank, v := range vals {
			if got := v.(*fields.Dense).At(0); got != complex(float64(rank), 0) {
				t.Errorf("mpi=%v Get()[%d] = %v, want %d", mpi, rank, got, rank)
			}
		}
	}
}

func TestReduceMatchesAcrossTransports(t *testing.T) {
	build := func(rank int) fields.Container {
		return denseOf(t, complex(float64(rank+1), 1), complex(2*float64(rank), -1))
	}
	var results []*fields.Dense
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 3, mpi, nil)
		setPerRank(t, client, "k", build)
		red, err := iface.Reduce("k")
		if err != nil {
			t.Fatalf("mpi=%v Reduce() error = %v", mpi, err)
		}
		results = append(results, red.(*fields.Dense))
		assertNoTemps(t, client, "temp_k")
	}
	// Byte-identical across transports, and equal to the client fold.
	want := []complex128{complex(6, 3), complex(6, -3)}
	for i, d := range results {
		for j, w := range want {
			if d.At(j) != w {
				t.Errorf("result %d element %d = %v, want %v", i, j, d.At(j), w)
			}
		}
	}
}

func TestReduceMulWithAxis(t *testing.T) {
	axis := 0
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 2, mpi, nil)
		setPerRank(t, client, "a", func(rank int) fields.Container {
			return denseOf(t, complex(float64(rank+1), 0), complex(float64(rank+1), 0))
		})
		setPerRank(t, client, "b", func(rank int) fields.Container {
			return denseOf(t, 1, 2)
		})
		// reduce(a) = [3,3], reduce(b) = [2,4], product [6,12], axis sum 18.
		got, err := iface.ReduceMul("a", "b", &axis)
		if err != nil {
			t.Fatalf("mpi=%v ReduceMul() error = %v", mpi, err)
		}
		if got.SumAll() != 18 {
			t.Errorf("mpi=%v ReduceMul() = %v, want 18", mpi, got.SumAll())
		}
		assertNoTemps(t, client, "temp_a", "temp_b", "temp_ab")
	}
}

func TestRemoteDifferenceIdenticalEverywhere(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 3, mpi, nil)
		setPerRank(t, client, "obs", func(rank int) fields.Container {
			return denseOf(t, complex(float64(rank+2), 0))
		})
		setPerRank(t, client, "pred", func(rank int) fields.Container {
			return denseOf(t, complex(float64(rank), 0))
		})
		if err := iface.RemoteDifference("obs", "pred", "resid"); err != nil {
			t.Fatalf("mpi=%v RemoteDifference() error = %v", mpi, err)
		}
		// reduce(obs)=9, reduce(pred)=3: every worker sees 6.
		vals, err := iface.Get("resid")
		if err != nil {
			t.Fatalf("mpi=%v Get(resid) error = %v", mpi, err)
		}
		for rank, v := range vals {
			if got := v.(*fields.Dense).At(0); got != 6 {
				t.Errorf("mpi=%v rank %d resid = %v, want 6", mpi, rank, got)
			}
		}
		assertNoTemps(t, client, "temp_obs", "temp_pred")
	}
}

func TestRemoteOpGatherFirst(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 2, mpi, nil)
		setPerRank(t, client, "x", func(rank int) fields.Container {
			return denseOf(t, complex(float64(rank+1), 0)) // reduce = 3
		})
		// y is identical everywhere, read unreduced from the root.
		setPerRank(t, client, "y", func(rank int) fields.Container {
			return denseOf(t, 2)
		})
		for op, want := range map[string]complex128{"+": 5, "-": 1, "*": 6, "/": 1.5} {
			out := "r" + op
			if err := iface.RemoteOpGatherFirst(op, "x", "y", out); err != nil {
				t.Fatalf("mpi=%v op %q error = %v", mpi, op, err)
			}
			vals, err := iface.Get(out)
			if err != nil {
				t.Fatalf("mpi=%v Get(%q) error = %v", mpi, out, err)
			}
			for rank, v := range vals {
				if got := v.(*fields.Dense).At(0); got != want {
					t.Errorf("mpi=%v op %q rank %d = %v, want %v", mpi, op, rank, got, want)
				}
			}
		}
		assertNoTemps(t, client, "temp_x")
	}
}

func TestRemoteSrcEstCollapsed(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 2, mpi, nil)
		// reduce(d) = [2, 4]; obs = [4, 8]: S = (conj(obs).d)/(conj(d).d)
		// = (8+32)/(4+16) = 2.
		setPerRank(t, client, "d", func(rank int) fields.Container {
			return denseOf(t, 1, 2)
		})
		setPerRank(t, client, "obs", func(rank int) fields.Container {
			return denseOf(t, 4, 8)
		})
		if err := iface.RemoteSrcEst("scale", "d", "obs", false); err != nil {
			t.Fatalf("mpi=%v RemoteSrcEst() error = %v", mpi, err)
		}
		vals, err := iface.Get("scale")
		if err != nil {
			t.Fatalf("mpi=%v Get(scale) error = %v", mpi, err)
		}
		for rank, v := range vals {
			s, ok := v.(fields.Scalar)
			if !ok {
				t.Fatalf("mpi=%v rank %d scale is %T, want Scalar", mpi, rank, v)
			}
			if complex128(s) != 2 {
				t.Errorf("mpi=%v rank %d scale = %v, want 2", mpi, rank, s)
			}
		}
	}
}

func TestRemoteSrcEstIndividual(t *testing.T) {
	client, iface := connectFleet(t, 2, false, nil)
	// Per-source estimates over a (2, 2) field: rows are sources.
	mk := func(vals ...complex128) fields.Container {
		d, err := fields.NewDense([]int{2, 2}, vals)
		if err != nil {
			t.Fatalf("NewDense() error = %v", err)
		}
		return d
	}
	setPerRank(t, client, "d", func(rank int) fields.Container {
		return mk(1, 0, 0, 1)
	})
	setPerRank(t, client, "obs", func(rank int) fields.Container {
		return mk(6, 0, 0, 10)
	})
	// reduce(d) rows: [2,0] and [0,2]; per-source S = 12/4 = 3, 20/4 = 5.
	if err := iface.RemoteSrcEst("scale", "d", "obs", true); err != nil {
		t.Fatalf("RemoteSrcEst(individual) error = %v", err)
	}
	vals, err := iface.Get("scale")
	if err != nil {
		t.Fatalf("Get(scale) error = %v", err)
	}
	d := vals[0].(*fields.Dense)
	if d.At(0) != 3 || d.At(1) != 5 {
		t.Errorf("per-source scale = %v, want [3 5]", d.Data())
	}
}

func TestRemoteApplySrc(t *testing.T) {
	client, iface := connectFleet(t, 2, false, nil)
	setPerRank(t, client, "d", func(rank int) fields.Container {
		return denseOf(t, complex(float64(rank+1), 0), 2)
	})
	if err := iface.Set("s", fields.Scalar(10)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := iface.RemoteApplySrc("d", "s"); err != nil {
		t.Fatalf("RemoteApplySrc() error = %v", err)
	}
	vals, err := iface.Get("d")
	if err != nil {
		t.Fatalf("Get(d) error = %v", err)
	}
	if got := vals[1].(*fields.Dense).At(0); got != 20 {
		t.Errorf("rank 1 d[0] = %v, want 20", got)
	}
}

func TestRemoteMulE0(t *testing.T) {
	client, iface := connectFleet(t, 2, false, nil)
	setPerRank(t, client, "a", func(rank int) fields.Container {
		return denseOf(t, complex(float64(rank+1), 0), 3)
	})
	setPerRank(t, client, "b", func(rank int) fields.Container {
		return denseOf(t, 2, 2)
	})
	// Root-local product: rank 0's a = [1,3], b = [2,2] -> [2,6].
	got, err := iface.RemoteMulE0("a", "b", nil)
	if err != nil {
		t.Fatalf("RemoteMulE0() error = %v", err)
	}
	d := got.(*fields.Dense)
	if d.At(0) != 2 || d.At(1) != 6 {
		t.Errorf("RemoteMulE0() = %v, want [2 6]", d.Data())
	}
	assertNoTemps(t, client, "temp_field")
}

func TestNormFromDifference(t *testing.T) {
	client, iface := connectFleet(t, 2, false, nil)
	// Keyed residuals: per key a (2,2) buffer; the norm collapses each
	// to sqrt(sum |x|^2) as a real scalar.
	if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
		d, err := fields.NewDense([]int{2, 2}, []complex128{3, 0, 0, complex(0, 4)})
		if err != nil {
			return nil, err
		}
		w.Set("resid", fields.NewReducer(map[string]fields.Container{"0,0": d}))
		return nil, nil
	}); err != nil {
		t.Fatalf("seeding resid: %v", err)
	}
	got, err := iface.NormFromDifference("resid")
	if err != nil {
		t.Fatalf("NormFromDifference() error = %v", err)
	}
	item, ok := got.Item("0,0")
	if !ok {
		t.Fatal("norm result missing key 0,0")
	}
	if s := item.SumAll(); real(s) != 5 || imag(s) != 0 {
		t.Errorf("norm = %v, want 5 (real)", s)
	}
	assertNoTemps(t, client, "temp_norm")
}

func TestReduceLBPopulatesRankZeroOnly(t *testing.T) {
	for _, mpi := range []bool{false, true} {
		client, iface := connectFleet(t, 3, mpi, nil)
		if err := iface.InstallEndpoints(endpoint.New); err != nil {
			t.Fatalf("InstallEndpoints() error = %v", err)
		}
		if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
			ep, err := Endpoint(w, DefaultEndpointName)
			if err != nil {
				return nil, err
			}
			ep.FieldSpec = endpoint.FieldSpec{
				"u": func() fields.Container { return fields.Zeros(2) },
			}
			if w.Rank() != 1 {
				// Rank 1 never computes u: the reduction must build its
				// empty buffer from the field spec.
				ep.LocalFields["u"] = denseOf(t, complex(float64(w.Rank()+1), 0), 1)
			}
			return nil, nil
		}); err != nil {
			t.Fatalf("seeding endpoints: %v", err)
		}

		jobs := iface.ReduceLB("u", nil)
		if len(jobs) == 0 {
			t.Fatalf("mpi=%v ReduceLB() returned no jobs", mpi)
		}
		if err := cluster.WaitAll(t.Context(), jobs); err != nil {
			t.Fatalf("mpi=%v reduction error = %v", mpi, err)
		}

		vals, err := client.DirectView().Apply(func(w *cluster.Worker) (any, error) {
			ep, err := Endpoint(w, DefaultEndpointName)
			if err != nil {
				return nil, err
			}
			c, ok := ep.GlobalFields["u"]
			if !ok {
				return nil, nil
			}
			return c, nil
		})
		if err != nil {
			t.Fatalf("mpi=%v inspecting: %v", mpi, err)
		}
		root, ok := vals[0].(*fields.Dense)
		if !ok {
			t.Fatalf("mpi=%v rank 0 global field missing (%T)", mpi, vals[0])
		}
		// Ranks 0 and 2 contributed [rank+1, 1]; rank 1 contributed zeros.
		if root.At(0) != 4 || root.At(1) != 2 {
			t.Errorf("mpi=%v reduced u = %v, want [4 2]", mpi, root.Data())
		}
		for rank, v := range vals[1:] {
			if v != nil {
				t.Errorf("mpi=%v rank %d has a global field, want rank 0 only", mpi, rank+1)
			}
		}
	}
}

func TestEndpointAccessor(t *testing.T) {
	client, iface := connectFleet(t, 1, false, nil)
	if err := iface.InstallEndpoints(endpoint.New); err != nil {
		t.Fatalf("InstallEndpoints() error = %v", err)
	}
	if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
		_, err := Endpoint(w, DefaultEndpointName)
		return nil, err
	}); err != nil {
		t.Errorf("Endpoint() error = %v", err)
	}
	if err := client.DirectView().Execute(func(w *cluster.Worker) (any, error) {
		w.Set("bogus", 42)
		if _, err := Endpoint(w, "bogus"); err == nil {
			return nil, errors.New("non-endpoint value resolved as endpoint")
		}
		return nil, nil
	}); err != nil {
		t.Errorf("Endpoint(bogus) check: %v", err)
	}
}

func TestBootstrapRunsOnEveryWorker(t *testing.T) {
	client, err := cluster.Connect(3, cluster.Options{Env: func(int) map[string]string { return map[string]string{} }})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	_, err = New(client, Options{Bootstrap: func(w *cluster.Worker) (any, error) {
		w.Set("booted", true)
		return nil, nil
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	vals, err := client.DirectView().Get("booted")
	if err != nil {
		t.Fatalf("Get(booted) error = %v", err)
	}
	for rank, v := range vals {
		if v != true {
			t.Errorf("rank %d booted = %v", rank, v)
		}
	}
}

func TestThreadCountAppliedToFleet(t *testing.T) {
	client, err := cluster.Connect(2, cluster.Options{Env: func(int) map[string]string { return map[string]string{} }})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		client.Worker(i).SetThreadHook(func(n int) error {
			counts[i] = n
			return nil
		})
	}
	iface, err := New(client, Options{NThreads: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if iface.NThreads() != 4 {
		t.Errorf("NThreads() = %d, want 4", iface.NThreads())
	}
	for i, n := range counts {
		if n != 4 {
			t.Errorf("worker %d thread count = %d, want 4", i, n)
		}
	}
}

func TestEventsRecorded(t *testing.T) {
	rec := events.NewFake()
	client, err := cluster.Connect(2, cluster.Options{Env: func(int) map[string]string { return map[string]string{} }})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(client.Close)
	if _, err := New(client, Options{Events: rec}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var sawTransport bool
	for _, e := range rec.Events {
		if e.Type == events.TransportChosen {
			sawTransport = true
			if !strings.Contains(e.Subject, "star") {
				t.Errorf("transport event subject = %q, want star", e.Subject)
			}
		}
	}
	if !sawTransport {
		t.Error("no transport.selected event recorded")
	}
}
