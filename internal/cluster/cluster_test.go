package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func connectT(t *testing.T, n int, opts Options) *Client {
	t.Helper()
	c, err := Connect(n, opts)
	if err != nil {
		t.Fatalf("Connect(%d) error = %v", n, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectRejectsBadSize(t *testing.T) {
	if _, err := Connect(0, Options{}); err == nil {
		t.Error("Connect(0) = nil error, want error")
	}
}

func TestConnectRejectsBadPermutation(t *testing.T) {
	if _, err := Connect(2, Options{MeshPermutation: []int{0, 0}}); err == nil {
		t.Error("Connect with duplicate permutation = nil error, want error")
	}
	if _, err := Connect(2, Options{MeshPermutation: []int{0}}); err == nil {
		t.Error("Connect with short permutation = nil error, want error")
	}
}

func TestDirectViewSetGet(t *testing.T) {
	c := connectT(t, 3, Options{})
	dv := c.DirectView()

	if err := dv.Set("x", 7); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	vals, err := dv.Get("x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for i, v := range vals {
		if v != 7 {
			t.Errorf("worker %d has x = %v, want 7", i, v)
		}
	}
}

func TestDirectViewGetMissingName(t *testing.T) {
	c := connectT(t, 2, Options{})
	_, err := c.DirectView().Get("absent")
	if err == nil {
		t.Fatal("Get(absent) = nil error, want error")
	}
	if !errors.Is(err, ErrNoSuchName) {
		t.Errorf("Get(absent) error = %v, want ErrNoSuchName", err)
	}
}

func TestScatterAssignsPerWorker(t *testing.T) {
	c := connectT(t, 3, Options{})
	dv := c.DirectView()
	if err := dv.Scatter(RankName, []any{0, 1, 2}); err != nil {
		t.Fatalf("Scatter() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if got := c.Worker(i).Rank(); got != i {
			t.Errorf("worker %d Rank() = %d, want %d", i, got, i)
		}
	}
}

func TestScatterLengthMismatch(t *testing.T) {
	c := connectT(t, 2, Options{})
	if err := c.DirectView().Scatter("x", []any{1}); err == nil {
		t.Error("Scatter with short values = nil error, want error")
	}
}

func TestReorderAlignsPositions(t *testing.T) {
	c := connectT(t, 3, Options{})
	dv := c.DirectView()
	if err := dv.Scatter("who", []any{"a", "b", "c"}); err != nil {
		t.Fatalf("Scatter() error = %v", err)
	}
	re, err := dv.Reorder([]int{2, 0, 1})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	vals, err := re.Get("who")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := []any{"c", "a", "b"}
	for i, w := range want {
		if vals[i] != w {
			t.Errorf("reordered[%d] = %v, want %v", i, vals[i], w)
		}
	}
}

func TestWorkerTasksRunSerially(t *testing.T) {
	c := connectT(t, 1, Options{})
	w := c.Worker(0)
	w.Set("n", 0)
	var jobs []*AsyncResult
	for i := 0; i < 50; i++ {
		jobs = append(jobs, w.submit(func(w *Worker) (any, error) {
			v, _ := w.Get("n")
			w.Set("n", v.(int)+1)
			return nil, nil
		}))
	}
	if err := WaitAll(context.Background(), jobs); err != nil {
		t.Fatalf("WaitAll() error = %v", err)
	}
	if got, _ := w.Get("n"); got != 50 {
		t.Errorf("n = %v, want 50 (lost updates imply concurrent task execution)", got)
	}
}

func TestLoadBalancedTargets(t *testing.T) {
	c := connectT(t, 4, Options{})
	lv := c.LoadBalancedView()
	for i := 0; i < 10; i++ {
		job := lv.Submit(SubmitSpec{Targets: []int{1, 3}}, func(w *Worker) (any, error) {
			return w.ID(), nil
		})
		if err := job.Wait(context.Background()); err != nil {
			t.Fatalf("job %d error = %v", i, err)
		}
		if got := job.Rank(); got != 1 && got != 3 {
			t.Errorf("job %d ran on worker %d, want 1 or 3", i, got)
		}
	}
}

func TestLoadBalancedReschedulesOnUnmetDependency(t *testing.T) {
	c := connectT(t, 3, Options{})
	if err := c.DirectView().Scatter(RankName, []any{0, 1, 2}); err != nil {
		t.Fatalf("Scatter() error = %v", err)
	}
	lv := c.LoadBalancedView()

	// Only worker 2 satisfies the predicate; the view must keep trying
	// until the task lands there.
	job := lv.Submit(SubmitSpec{}, func(w *Worker) (any, error) {
		if w.Rank() != 2 {
			return nil, ErrUnmetDependency
		}
		return "ran", nil
	})
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("job error = %v", err)
	}
	if job.Rank() != 2 {
		t.Errorf("job ran on worker %d, want 2", job.Rank())
	}
	if job.Value() != "ran" {
		t.Errorf("job value = %v, want ran", job.Value())
	}
}

func TestLoadBalancedPermanentUnmetDependency(t *testing.T) {
	c := connectT(t, 2, Options{})
	lv := c.LoadBalancedView()
	job := lv.Submit(SubmitSpec{}, func(w *Worker) (any, error) {
		return nil, ErrUnmetDependency
	})
	err := job.Wait(context.Background())
	if !errors.Is(err, ErrPermanentUnmetDependency) {
		t.Errorf("job error = %v, want ErrPermanentUnmetDependency", err)
	}
}

func TestLoadBalancedAfterOrdering(t *testing.T) {
	c := connectT(t, 2, Options{})
	lv := c.LoadBalancedView()

	release := make(chan struct{})
	first := lv.Submit(SubmitSpec{Targets: []int{0}}, func(w *Worker) (any, error) {
		<-release
		return "first", nil
	})
	second := lv.Submit(SubmitSpec{After: []*AsyncResult{first}}, func(w *Worker) (any, error) {
		return "second", nil
	})

	// The dependent job must not run while the upstream is blocked.
	time.Sleep(20 * time.Millisecond)
	if second.Ready() {
		t.Fatal("dependent job completed before its upstream")
	}
	close(release)
	if err := second.Wait(context.Background()); err != nil {
		t.Fatalf("second error = %v", err)
	}
}

func TestLoadBalancedUpstreamFailurePropagates(t *testing.T) {
	c := connectT(t, 2, Options{})
	lv := c.LoadBalancedView()

	boom := lv.Submit(SubmitSpec{}, func(w *Worker) (any, error) {
		return nil, fmt.Errorf("solver blew up")
	})
	downstream := lv.Submit(SubmitSpec{After: []*AsyncResult{boom}}, func(w *Worker) (any, error) {
		t.Error("downstream task ran despite failed upstream")
		return nil, nil
	})
	err := downstream.Wait(context.Background())
	if !errors.Is(err, ErrPermanentUnmetDependency) {
		t.Errorf("downstream error = %v, want ErrPermanentUnmetDependency", err)
	}
}

func TestLoadBalancedFollowPinsWorker(t *testing.T) {
	c := connectT(t, 3, Options{})
	lv := c.LoadBalancedView()

	anchor := lv.Submit(SubmitSpec{Targets: []int{1}}, func(w *Worker) (any, error) {
		return nil, nil
	})
	follower := lv.Submit(SubmitSpec{Follow: anchor}, func(w *Worker) (any, error) {
		return w.ID(), nil
	})
	if err := follower.Wait(context.Background()); err != nil {
		t.Fatalf("follower error = %v", err)
	}
	if follower.Rank() != 1 {
		t.Errorf("follower ran on worker %d, want 1 (anchor's worker)", follower.Rank())
	}
}

func TestStoppedWorkerFailsSubmissions(t *testing.T) {
	c, err := Connect(1, Options{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Close()
	job := c.Worker(0).submit(func(w *Worker) (any, error) { return nil, nil })
	if !errors.Is(job.Err(), ErrStopped) {
		t.Errorf("submit after Close error = %v, want ErrStopped", job.Err())
	}
}

func TestAsyncResultLifecycle(t *testing.T) {
	c := connectT(t, 1, Options{})
	block := make(chan struct{})
	job := c.Worker(0).submit(func(w *Worker) (any, error) {
		<-block
		return 42, nil
	})
	if job.Ready() {
		t.Error("Ready() = true before task completion")
	}
	if job.Successful() {
		t.Error("Successful() = true while pending")
	}
	close(block)
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !job.Ready() || !job.Successful() {
		t.Error("job not ready/successful after Wait")
	}
	if job.Value() != 42 {
		t.Errorf("Value() = %v, want 42", job.Value())
	}
	if job.ID() == "" {
		t.Error("ID() is empty")
	}
}

func TestChdirValidatesDirectory(t *testing.T) {
	c := connectT(t, 1, Options{})
	w := c.Worker(0)
	dir := t.TempDir()
	if err := w.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	if got := w.Workdir(); got != dir {
		t.Errorf("Workdir() = %q, want %q", got, dir)
	}
	if err := w.Chdir(dir + "/missing"); err == nil {
		t.Error("Chdir(missing) = nil error, want error")
	}
}

func TestApplyThreadsWithoutHookIsNoOp(t *testing.T) {
	c := connectT(t, 1, Options{})
	if err := c.Worker(0).ApplyThreads(4); err != nil {
		t.Errorf("ApplyThreads() without hook = %v, want nil", err)
	}
}

func TestApplyThreadsInvokesHook(t *testing.T) {
	c := connectT(t, 1, Options{})
	w := c.Worker(0)
	var got int
	w.SetThreadHook(func(n int) error { got = n; return nil })
	if err := w.ApplyThreads(8); err != nil {
		t.Fatalf("ApplyThreads() error = %v", err)
	}
	if got != 8 {
		t.Errorf("hook received %d, want 8", got)
	}
}
