package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/nodeyard/internal/events"
)

func TestReconcile_DeadWorkloadConverges(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	a := h.create(t)
	b := h.create(t)
	ra := h.run(t, a.ID)
	h.run(t, b.ID)

	h.sup.handle(*ra.WorkloadPID).kill()

	n, err := h.o.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}
	if h.stored(t, a.ID).Running() {
		t.Error("dead node still RUNNING")
	}
	if !h.stored(t, b.ID).Running() {
		t.Error("live node was stopped")
	}
	if len(h.broker.routeIDs("node-1")) != 0 {
		t.Error("dead node's route left behind")
	}
	if h.ports.leased(*ra.DisplayPort) {
		t.Error("dead node's port still leased")
	}
	h.checkConsistency(t)

	n, err = h.o.Reconcile(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Reconcile = (%d, %v), want (0, nil)", n, err)
	}
	if h.metrics.reconciled != 1 {
		t.Errorf("reconciled metric = %d, want 1", h.metrics.reconciled)
	}
	types := h.events.types()
	if types[len(types)-1] != events.Reconciled {
		t.Errorf("last event = %s, want reconciled", types[len(types)-1])
	}
}

func TestReconcile_RouteDeleteFailureStillStops(t *testing.T) {
	h := newHarness(t, 10)
	n := h.create(t)
	r := h.run(t, n.ID)
	h.sup.handle(*r.WorkloadPID).kill()
	h.broker.deleteErr = errInjected

	if _, err := h.o.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.stored(t, n.ID).Running() {
		t.Error("node still RUNNING")
	}
}

func TestGet_Reconciles(t *testing.T) {
	h := newHarness(t, 10)
	n := h.create(t)
	r := h.run(t, n.ID)
	h.sup.handle(*r.WorkloadPID).kill()

	got, err := h.o.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Running() || got.CheckInvariants() != nil {
		t.Errorf("Get = %+v, want reconciled STOPPED", got)
	}
}

func TestReconcile_ManyNodesBoundedFanOut(t *testing.T) {
	h := newHarness(t, 40)
	for i := 0; i < 20; i++ {
		n := h.create(t)
		r := h.run(t, n.ID)
		if i%2 == 0 {
			h.sup.handle(*r.WorkloadPID).kill()
		}
	}
	n, err := h.o.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 10 {
		t.Errorf("reconciled = %d, want 10", n)
	}
	h.checkConsistency(t)
}

// --- scheduler ---

type countingReconciler struct {
	calls atomic.Int32
}

func (c *countingReconciler) Reconcile(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestNewScheduler_BadSpec(t *testing.T) {
	if _, err := NewScheduler("every now and then", &countingReconciler{}, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewScheduler_AcceptsCronAndDescriptors(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := NewScheduler(spec, &countingReconciler{}, nil); err != nil {
			t.Errorf("NewScheduler(%q): %v", spec, err)
		}
	}
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	r := &countingReconciler{}
	s, err := NewScheduler("@every 1s", r, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for r.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler never ticked")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
