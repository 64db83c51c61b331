package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/nodeyard/internal/broker"
	"github.com/zulandar/nodeyard/internal/config"
	"github.com/zulandar/nodeyard/internal/db"
	"github.com/zulandar/nodeyard/internal/events"
	"github.com/zulandar/nodeyard/internal/models"
	"github.com/zulandar/nodeyard/internal/ports"
	"github.com/zulandar/nodeyard/internal/registry"
	"github.com/zulandar/nodeyard/internal/supervisor"
)

// --- supervisor ---

type fakeHandle struct {
	mu           sync.Mutex
	pid          int
	alive        bool
	terminations int
	terminateErr error
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminations++
	if h.terminateErr != nil {
		return h.terminateErr
	}
	if !h.alive {
		return supervisor.ErrNoProcess
	}
	h.alive = false
	return nil
}

// kill simulates the workload dying on its own.
func (h *fakeHandle) kill() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
}

type fakeSupervisor struct {
	mu       sync.Mutex
	nextPID  int
	handles  map[int]*fakeHandle
	specs    []supervisor.Spec
	startErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{nextPID: 1000, handles: make(map[int]*fakeHandle)}
}

func (s *fakeSupervisor) Start(ctx context.Context, spec supervisor.Spec) (supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.nextPID++
	h := &fakeHandle{pid: s.nextPID, alive: true}
	s.handles[h.pid] = h
	s.specs = append(s.specs, spec)
	return h, nil
}

func (s *fakeSupervisor) Attach(pid int) supervisor.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[pid]; ok {
		return h
	}
	return &fakeHandle{pid: pid}
}

func (s *fakeSupervisor) handle(pid int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[pid]
}

func (s *fakeSupervisor) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func (s *fakeSupervisor) alivePIDs() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool)
	for pid, h := range s.handles {
		if h.Alive() {
			out[pid] = true
		}
	}
	return out
}

// --- broker ---

type fakeBroker struct {
	mu        sync.Mutex
	next      int
	routes    map[string]string // id -> name
	ports     map[string]int
	createErr error
	listErr   error
	deleteErr error
	mintErr   error
	minted    []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{routes: make(map[string]string), ports: make(map[string]int)}
}

func (b *fakeBroker) CreateRoute(ctx context.Context, name string, port int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.next++
	id := fmt.Sprintf("r%d", b.next)
	b.routes[id] = name
	b.ports[id] = port
	return id, nil
}

func (b *fakeBroker) DeleteRoute(ctx context.Context, routeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.routes, routeID)
	delete(b.ports, routeID)
	return nil
}

func (b *fakeBroker) DeleteRoutesByName(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return 0, b.listErr
	}
	n := 0
	for id, rn := range b.routes {
		if rn == name {
			delete(b.routes, id)
			delete(b.ports, id)
			n++
		}
	}
	return n, nil
}

func (b *fakeBroker) MintCredential(ctx context.Context, routeID string) (*broker.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mintErr != nil {
		return nil, b.mintErr
	}
	if _, ok := b.routes[routeID]; !ok {
		return nil, fmt.Errorf("%w: route %s missing", broker.ErrBroker, routeID)
	}
	principal := fmt.Sprintf("nodeuser_%s_%d", routeID, len(b.minted))
	b.minted = append(b.minted, principal)
	return &broker.Credential{Token: "tok-" + principal, Principal: principal, RouteID: routeID, DataSource: "postgresql"}, nil
}

func (b *fakeBroker) ClientURL(cred *broker.Credential) string {
	return "http://guac/#/client/" + cred.RouteID + "?token=" + cred.Token
}

func (b *fakeBroker) routeIDs(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, rn := range b.routes {
		if name == "" || rn == name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (b *fakeBroker) addRoute(id, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[id] = name
}

// --- overlays ---

type fakeOverlays struct {
	mu          sync.Mutex
	files       map[string]int // path -> generation
	createErr   error
	recreateErr error
	deleteErr   error
}

func newFakeOverlays() *fakeOverlays {
	return &fakeOverlays{files: make(map[string]int)}
}

func (f *fakeOverlays) Create(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	path := "/overlays/" + name + ".qcow2"
	f.files[path]++
	return path, nil
}

func (f *fakeOverlays) Recreate(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recreateErr != nil {
		return f.recreateErr
	}
	f.files[path]++
	return nil
}

func (f *fakeOverlays) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.files, path)
	return nil
}

func (f *fakeOverlays) generation(path string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.files[path]
	return g, ok
}

// --- registry with injectable save failure ---

type flakyRegistry struct {
	*registry.Store
	mu      sync.Mutex
	saveErr error
}

func (r *flakyRegistry) Save(ctx context.Context, n *models.Node) error {
	r.mu.Lock()
	err := r.saveErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Store.Save(ctx, n)
}

func (r *flakyRegistry) failSaves(err error) {
	r.mu.Lock()
	r.saveErr = err
	r.mu.Unlock()
}

// --- events and metrics ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type recordingMetrics struct {
	mu         sync.Mutex
	results    map[string]int // "op/result" -> count
	reconciled int
}

func (m *recordingMetrics) ObserveOperation(op, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[op+"/"+result]++
}

func (m *recordingMetrics) ObserveReconciled(n int) {
	m.mu.Lock()
	m.reconciled += n
	m.mu.Unlock()
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[key]
}

// --- ports ---

// leaseRecorder tracks which ports the orchestrator currently holds.
type leaseRecorder struct {
	*ports.Allocator

	mu   sync.Mutex
	held map[int]bool
}

func (l *leaseRecorder) Allocate(ctx context.Context, exclude func(port int) bool) (int, error) {
	port, err := l.Allocator.Allocate(ctx, exclude)
	if err == nil {
		l.mu.Lock()
		l.held[port] = true
		l.mu.Unlock()
	}
	return port, err
}

func (l *leaseRecorder) Release(port int) {
	l.Allocator.Release(port)
	l.mu.Lock()
	delete(l.held, port)
	l.mu.Unlock()
}

func (l *leaseRecorder) leased(port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[port]
}

// --- harness ---

type harness struct {
	o        *Orchestrator
	reg      *flakyRegistry
	sup      *fakeSupervisor
	broker   *fakeBroker
	overlays *fakeOverlays
	ports    *leaseRecorder
	events   *recordingPublisher
	metrics  *recordingMetrics
}

func newHarness(t *testing.T, window int) *harness {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	h := &harness{
		reg:      &flakyRegistry{Store: registry.New(gdb)},
		sup:      newFakeSupervisor(),
		broker:   newFakeBroker(),
		overlays: newFakeOverlays(),
		ports: &leaseRecorder{
			Allocator: ports.New("127.0.0.1", 5900, window, 0,
				ports.WithProbe(func(ctx context.Context, addr string) bool { return false })),
			held: make(map[int]bool),
		},
		events:  &recordingPublisher{},
		metrics: &recordingMetrics{},
	}
	h.o, err = New(Opts{
		Registry:   h.reg,
		Supervisor: h.sup,
		Broker:     h.broker,
		Overlays:   h.overlays,
		Ports:      h.ports,
		Workload: config.WorkloadConfig{
			Command: "qemu-system-x86_64",
			Args:    append([]string(nil), config.DefaultWorkloadArgs...),
			LogDir:  "/logs",
		},
		Concurrency: 4,
		Events:      h.events,
		Metrics:     h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T) *models.Node {
	t.Helper()
	n, err := h.o.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return n
}

func (h *harness) run(t *testing.T, id uint) *models.Node {
	t.Helper()
	n, err := h.o.Run(context.Background(), id)
	if err != nil {
		t.Fatalf("Run(%d): %v", id, err)
	}
	return n
}

func (h *harness) stored(t *testing.T, id uint) *models.Node {
	t.Helper()
	n, err := h.reg.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%d): %v", id, err)
	}
	return n
}

// checkConsistency asserts the liveness triple on every record and that
// broker routes and live workloads match running records exactly.
func (h *harness) checkConsistency(t *testing.T) {
	t.Helper()
	nodes, err := h.reg.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	portsSeen := make(map[int]string)
	routesSeen := make(map[string]string)
	livePIDs := h.sup.alivePIDs()
	for _, n := range nodes {
		if err := n.CheckInvariants(); err != nil {
			t.Fatalf("invariant: %v", err)
		}
		if !n.Running() {
			continue
		}
		if other, ok := portsSeen[*n.DisplayPort]; ok {
			t.Fatalf("port %d held by %s and %s", *n.DisplayPort, other, n.Name)
		}
		portsSeen[*n.DisplayPort] = n.Name
		if other, ok := routesSeen[*n.SessionRouteID]; ok {
			t.Fatalf("route %s held by %s and %s", *n.SessionRouteID, other, n.Name)
		}
		routesSeen[*n.SessionRouteID] = n.Name
		if !livePIDs[*n.WorkloadPID] {
			// Allowed only for a workload that died since the last reconcile.
			continue
		}
		delete(livePIDs, *n.WorkloadPID)
	}
	if len(livePIDs) != 0 {
		t.Fatalf("leaked workloads: %v", livePIDs)
	}
	for _, id := range h.broker.routeIDs("") {
		if _, ok := routesSeen[id]; !ok {
			t.Fatalf("leaked route %s", id)
		}
	}
}

var errInjected = errors.New("injected failure")
