package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/zulandar/nodeyard/internal/supervisor"
)

// TestRandomOperations drives random intents, injected faults and workload
// deaths, checking record and resource consistency after every step.
func TestRandomOperations(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t, 4)
		ctx := context.Background()

		for step := 0; step < 200; step++ {
			h.injectFaults(rng)
			id := uint(rng.Intn(6) + 1)

			var err error
			switch op := rng.Intn(8); op {
			case 0:
				_, err = h.o.Create(ctx)
			case 1, 2:
				_, err = h.o.Run(ctx, id)
			case 3:
				_, err = h.o.Stop(ctx, id)
			case 4:
				_, err = h.o.Wipe(ctx, id)
			case 5:
				_, err = h.o.Delete(ctx, id)
			case 6:
				_, err = h.o.List(ctx)
			case 7:
				h.killRandomWorkload(rng)
			}
			if err != nil && !expectedFailure(err) {
				t.Fatalf("seed %d step %d: unexpected error: %v", seed, step, err)
			}
			h.clearFaults()
			h.checkConsistency(t)
		}

		// A final reconcile converges everything: every running record has
		// a live workload.
		if _, err := h.o.Reconcile(ctx); err != nil {
			t.Fatalf("seed %d: Reconcile: %v", seed, err)
		}
		running, _ := h.reg.ListRunning(ctx)
		live := h.sup.alivePIDs()
		for _, n := range running {
			if !live[*n.WorkloadPID] {
				t.Fatalf("seed %d: %s running with dead pid after reconcile", seed, n.Name)
			}
		}
		if n, _ := h.o.Reconcile(ctx); n != 0 {
			t.Fatalf("seed %d: second reconcile changed %d nodes", seed, n)
		}
	}
}

func expectedFailure(err error) bool {
	for _, target := range []error{ErrNotFound, ErrResourceExhausted, ErrBroker, ErrWorkloadStart, ErrProvisioning} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (h *harness) injectFaults(rng *rand.Rand) {
	if rng.Intn(10) == 0 {
		h.sup.mu.Lock()
		h.sup.startErr = supervisor.ErrStart
		h.sup.mu.Unlock()
	}
	h.broker.mu.Lock()
	switch rng.Intn(20) {
	case 0:
		h.broker.createErr = errInjected
	case 1:
		h.broker.listErr = errInjected
	}
	h.broker.mu.Unlock()
	h.overlays.mu.Lock()
	switch rng.Intn(20) {
	case 0:
		h.overlays.createErr = errInjected
	case 1:
		h.overlays.recreateErr = errInjected
	}
	h.overlays.mu.Unlock()
}

func (h *harness) clearFaults() {
	h.sup.mu.Lock()
	h.sup.startErr = nil
	h.sup.mu.Unlock()
	h.broker.mu.Lock()
	h.broker.createErr, h.broker.listErr = nil, nil
	h.broker.mu.Unlock()
	h.overlays.mu.Lock()
	h.overlays.createErr, h.overlays.recreateErr = nil, nil
	h.overlays.mu.Unlock()
}

func (h *harness) killRandomWorkload(rng *rand.Rand) {
	var pids []int
	for pid := range h.sup.alivePIDs() {
		pids = append(pids, pid)
	}
	if len(pids) == 0 {
		return
	}
	h.sup.handle(pids[rng.Intn(len(pids))]).kill()
}
