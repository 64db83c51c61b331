package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/zulandar/nodeyard/internal/config"
	"github.com/zulandar/nodeyard/internal/models"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(1)

	acquired := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock(1) acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock(1) never acquired")
	}
}

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	k := newKeyedMutex()
	u1 := k.Lock(1)
	defer u1()

	done := make(chan struct{})
	go func() {
		u := k.Lock(2)
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock(2) blocked behind Lock(1)")
	}
}

func TestKeyedMutex_DropsIdleEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			k.Lock(id)()
		}(uint(i % 5))
	}
	wg.Wait()
	if n := k.size(); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestWorkloadSpec_Placeholders(t *testing.T) {
	o := &Orchestrator{workload: config.WorkloadConfig{
		Command: "qemu-system-x86_64",
		Args:    []string{"-name", "{name}", "-hda", "{overlay}", "-vnc", ":{display}", "-chardev", "port={port}"},
	}}
	n := &models.Node{Name: "node-3", OverlayPath: "/o/node-3.qcow2"}

	spec := o.workloadSpec(n, 5907)
	want := []string{"-name", "node-3", "-hda", "/o/node-3.qcow2", "-vnc", ":7", "-chardev", "port=5907"}
	for i := range want {
		if spec.Args[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, spec.Args[i], want[i])
		}
	}
	if spec.LogPath != "" {
		t.Errorf("LogPath = %q, want empty without log dir", spec.LogPath)
	}
	if o.workload.Args[1] != "{name}" {
		t.Error("workloadSpec mutated configured args")
	}
}
