// Package lifecycle drives nodes through create, run, stop, wipe and delete
// against the supervisor, port allocator and session broker, and keeps the
// registry consistent with what is actually running.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/nodeyard/internal/broker"
	"github.com/zulandar/nodeyard/internal/config"
	"github.com/zulandar/nodeyard/internal/events"
	"github.com/zulandar/nodeyard/internal/models"
	"github.com/zulandar/nodeyard/internal/ports"
	"github.com/zulandar/nodeyard/internal/registry"
	"github.com/zulandar/nodeyard/internal/supervisor"
	"go.uber.org/zap"
)

// Registry persists node records.
type Registry interface {
	Load(ctx context.Context, id uint) (*models.Node, error)
	FindByName(ctx context.Context, name string) (*models.Node, error)
	Create(ctx context.Context, n *models.Node) error
	Save(ctx context.Context, n *models.Node) error
	List(ctx context.Context) ([]models.Node, error)
	ListRunning(ctx context.Context) ([]models.Node, error)
	Delete(ctx context.Context, id uint) error
	NextID(ctx context.Context) (uint, error)
}

// Supervisor launches workloads and re-attaches to recorded pids.
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.Spec) (supervisor.Handle, error)
	Attach(pid int) supervisor.Handle
}

// Broker manages display routes and access credentials.
type Broker interface {
	CreateRoute(ctx context.Context, name string, port int) (string, error)
	DeleteRoute(ctx context.Context, routeID string) error
	DeleteRoutesByName(ctx context.Context, name string) (int, error)
	MintCredential(ctx context.Context, routeID string) (*broker.Credential, error)
	ClientURL(cred *broker.Credential) string
}

// Overlays manages per-node disk overlays.
type Overlays interface {
	Create(ctx context.Context, name string) (string, error)
	Recreate(ctx context.Context, path string) error
	Delete(path string) error
}

// Ports hands out display ports.
type Ports interface {
	Allocate(ctx context.Context, exclude func(port int) bool) (int, error)
	Release(port int)
}

// Publisher receives an event after every completed transition.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Metrics records operation outcomes.
type Metrics interface {
	ObserveOperation(op, result string, d time.Duration)
	ObserveReconciled(n int)
}

// Opts configures an Orchestrator. Events and Metrics are optional.
type Opts struct {
	Registry    Registry
	Supervisor  Supervisor
	Broker      Broker
	Overlays    Overlays
	Ports       Ports
	Workload    config.WorkloadConfig
	Concurrency int // reconcile fan-out
	Events      Publisher
	Metrics     Metrics
	Logger      *zap.Logger
}

// Access is the result of a display access request.
type Access struct {
	Node       *models.Node       `json:"node"`
	URL        string             `json:"url"`
	Credential *broker.Credential `json:"credential"`
}

// Orchestrator owns every node state transition.
type Orchestrator struct {
	reg         Registry
	sup         Supervisor
	broker      Broker
	overlays    Overlays
	ports       Ports
	workload    config.WorkloadConfig
	concurrency int
	events      Publisher
	metrics     Metrics
	logger      *zap.Logger

	locks    *keyedMutex
	createMu sync.Mutex
}

// New validates opts and returns an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("lifecycle: registry is required")
	case opts.Supervisor == nil:
		return nil, errors.New("lifecycle: supervisor is required")
	case opts.Broker == nil:
		return nil, errors.New("lifecycle: broker is required")
	case opts.Overlays == nil:
		return nil, errors.New("lifecycle: overlays is required")
	case opts.Ports == nil:
		return nil, errors.New("lifecycle: port allocator is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		reg:         opts.Registry,
		sup:         opts.Supervisor,
		broker:      opts.Broker,
		overlays:    opts.Overlays,
		ports:       opts.Ports,
		workload:    opts.Workload,
		concurrency: opts.Concurrency,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		locks:       newKeyedMutex(),
	}, nil
}

// Create provisions a new stopped node with a fresh overlay. No record is
// written unless the overlay exists.
func (o *Orchestrator) Create(ctx context.Context) (n *models.Node, err error) {
	defer o.observe("create", time.Now(), &err)

	o.createMu.Lock()
	defer o.createMu.Unlock()

	id, err := o.reg.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: next id: %w", err)
	}
	name := models.NodeName(id)
	if _, err := o.reg.FindByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: name %s already in use", ErrConflict, name)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("lifecycle: check name %s: %w", name, err)
	}

	path, err := o.overlays.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProvisioning, name, err)
	}

	n = &models.Node{ID: id, Name: name, Status: models.StatusStopped, OverlayPath: path}
	if err := o.reg.Create(ctx, n); err != nil {
		if derr := o.overlays.Delete(path); derr != nil {
			o.logger.Warn("rollback: overlay left behind", zap.String("node", name), zap.String("path", path), zap.Error(derr))
		}
		if errors.Is(err, registry.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, fmt.Errorf("lifecycle: persist %s: %w", name, err)
	}

	o.logger.Info("node created", zap.Uint("id", id), zap.String("node", name), zap.String("overlay", path))
	o.publish(ctx, events.Created, n)
	return n, nil
}

// Run starts the node's workload and display route. Running an already
// running node returns it unchanged. On failure the node stays stopped
// and every side effect of this call is undone.
func (o *Orchestrator) Run(ctx context.Context, id uint) (n *models.Node, err error) {
	defer o.observe("run", time.Now(), &err)

	unlock := o.locks.Lock(id)
	defer unlock()

	n, err = o.loadReconciled(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Running() {
		return n, nil
	}

	taken, err := o.runningPorts(ctx)
	if err != nil {
		return nil, err
	}
	port, err := o.ports.Allocate(ctx, func(p int) bool { return taken[p] })
	if err != nil {
		if errors.Is(err, ports.ErrExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}
		return nil, fmt.Errorf("lifecycle: allocate port for %s: %w", n.Name, err)
	}
	// The lease is kept while the node runs and dropped by teardown.
	leased := true
	defer func() {
		if leased {
			o.ports.Release(port)
		}
	}()

	evicted, err := o.broker.DeleteRoutesByName(ctx, n.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: evict stale routes for %s: %w", ErrBroker, n.Name, err)
	}
	if evicted > 0 {
		o.logger.Warn("evicted stale routes", zap.String("node", n.Name), zap.Int("count", evicted))
	}

	routeID, err := o.broker.CreateRoute(ctx, n.Name, port)
	if err != nil {
		return nil, fmt.Errorf("%w: create route for %s: %w", ErrBroker, n.Name, err)
	}

	h, err := o.sup.Start(ctx, o.workloadSpec(n, port))
	if err != nil {
		tctx, cancel := o.teardownContext(ctx)
		o.deleteRoute(tctx, n.Name, routeID)
		cancel()
		return nil, fmt.Errorf("%w: %s: %w", ErrWorkloadStart, n.Name, err)
	}

	n.SetRunning(h.PID(), port, routeID)
	if err := o.reg.Save(ctx, n); err != nil {
		tctx, cancel := o.teardownContext(ctx)
		o.terminate(tctx, n.Name, h)
		o.deleteRoute(tctx, n.Name, routeID)
		cancel()
		if errors.Is(err, registry.ErrDuplicate) {
			return nil, fmt.Errorf("%w: persist %s: %w", ErrConflict, n.Name, err)
		}
		return nil, fmt.Errorf("lifecycle: persist %s: %w", n.Name, err)
	}
	leased = false

	o.logger.Info("node running",
		zap.String("node", n.Name),
		zap.Int("pid", h.PID()),
		zap.Int("port", port),
		zap.String("route", routeID))
	o.publish(ctx, events.Running, n)
	return n, nil
}

// Stop terminates the workload and removes the route. Teardown failures are
// logged and never prevent the node from being recorded as stopped.
func (o *Orchestrator) Stop(ctx context.Context, id uint) (n *models.Node, err error) {
	defer o.observe("stop", time.Now(), &err)

	unlock := o.locks.Lock(id)
	defer unlock()

	n, err = o.loadReconciled(ctx, id)
	if err != nil {
		return nil, err
	}
	if !n.Running() {
		return n, nil
	}
	if err := o.stopLocked(ctx, n); err != nil {
		return nil, err
	}
	o.publish(ctx, events.Stopped, n)
	return n, nil
}

// Wipe stops the node if needed and replaces its overlay with a fresh one
// at the same path. If the new overlay cannot be built the old one stays.
func (o *Orchestrator) Wipe(ctx context.Context, id uint) (n *models.Node, err error) {
	defer o.observe("wipe", time.Now(), &err)

	unlock := o.locks.Lock(id)
	defer unlock()

	n, err = o.loadReconciled(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Running() {
		if err := o.stopLocked(ctx, n); err != nil {
			return nil, err
		}
		o.publish(ctx, events.Stopped, n)
	}
	if err := o.overlays.Recreate(ctx, n.OverlayPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProvisioning, n.Name, err)
	}

	o.logger.Info("node wiped", zap.String("node", n.Name))
	o.publish(ctx, events.Wiped, n)
	return n, nil
}

// Delete tears the node down and removes its overlay and record. Missing
// sub-resources are ignored.
func (o *Orchestrator) Delete(ctx context.Context, id uint) (n *models.Node, err error) {
	defer o.observe("delete", time.Now(), &err)

	unlock := o.locks.Lock(id)
	defer unlock()

	n, err = o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Running() {
		o.teardown(ctx, n)
		n.SetStopped()
	}
	if err := o.overlays.Delete(n.OverlayPath); err != nil {
		o.logger.Warn("delete overlay failed", zap.String("node", n.Name), zap.String("path", n.OverlayPath), zap.Error(err))
	}
	if err := o.reg.Delete(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("lifecycle: delete %s: %w", n.Name, err)
	}

	o.logger.Info("node deleted", zap.String("node", n.Name))
	o.publish(ctx, events.Deleted, n)
	return n, nil
}

// List reconciles every running node and returns all nodes ordered by id.
func (o *Orchestrator) List(ctx context.Context) ([]models.Node, error) {
	if _, err := o.Reconcile(ctx); err != nil {
		return nil, err
	}
	nodes, err := o.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list: %w", err)
	}
	return nodes, nil
}

// Get reconciles and returns a single node.
func (o *Orchestrator) Get(ctx context.Context, id uint) (*models.Node, error) {
	return o.ReconcileNode(ctx, id)
}

// Access mints a single-use display credential for a running node. Broker
// failures are returned without touching the node.
func (o *Orchestrator) Access(ctx context.Context, id uint) (a *Access, err error) {
	defer o.observe("access", time.Now(), &err)

	unlock := o.locks.Lock(id)
	defer unlock()

	n, err := o.loadReconciled(ctx, id)
	if err != nil {
		return nil, err
	}
	if !n.Running() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, n.Name)
	}

	cred, err := o.broker.MintCredential(ctx, *n.SessionRouteID)
	if err != nil {
		return nil, fmt.Errorf("%w: mint credential for %s: %w", ErrBroker, n.Name, err)
	}
	return &Access{Node: n, URL: o.broker.ClientURL(cred), Credential: cred}, nil
}

// stopLocked tears n down and persists it as stopped.
func (o *Orchestrator) stopLocked(ctx context.Context, n *models.Node) error {
	o.teardown(ctx, n)
	n.SetStopped()
	if err := o.reg.Save(ctx, n); err != nil {
		return fmt.Errorf("lifecycle: persist %s: %w", n.Name, err)
	}
	o.logger.Info("node stopped", zap.String("node", n.Name))
	return nil
}

// teardown releases everything a running node holds, best-effort.
func (o *Orchestrator) teardown(ctx context.Context, n *models.Node) {
	tctx, cancel := o.teardownContext(ctx)
	defer cancel()
	if n.WorkloadPID != nil {
		o.terminate(tctx, n.Name, o.sup.Attach(*n.WorkloadPID))
	}
	if n.SessionRouteID != nil {
		o.deleteRoute(tctx, n.Name, *n.SessionRouteID)
	}
	if n.DisplayPort != nil {
		o.ports.Release(*n.DisplayPort)
	}
}

func (o *Orchestrator) terminate(ctx context.Context, name string, h supervisor.Handle) {
	err := h.Terminate(ctx)
	if err != nil && !errors.Is(err, supervisor.ErrNoProcess) {
		o.logger.Warn("terminate workload failed", zap.String("node", name), zap.Int("pid", h.PID()), zap.Error(err))
	}
}

func (o *Orchestrator) deleteRoute(ctx context.Context, name, routeID string) {
	if err := o.broker.DeleteRoute(ctx, routeID); err != nil {
		o.logger.Warn("delete route failed", zap.String("node", name), zap.String("route", routeID), zap.Error(err))
	}
}

// teardownContext outlives a cancelled caller so cleanup still completes.
func (o *Orchestrator) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.workload.StopTimeout+15*time.Second)
}

// loadReconciled loads id and stops it in place if its workload is gone, so
// status checks never act on a dead RUNNING record. The caller holds id's lock.
func (o *Orchestrator) loadReconciled(ctx context.Context, id uint) (*models.Node, error) {
	n, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.reconcileLocked(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (o *Orchestrator) load(ctx context.Context, id uint) (*models.Node, error) {
	n, err := o.reg.Load(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load node %d: %w", id, err)
	}
	return n, nil
}

// runningPorts returns the display ports recorded for running nodes.
func (o *Orchestrator) runningPorts(ctx context.Context) (map[int]bool, error) {
	running, err := o.reg.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list running: %w", err)
	}
	taken := make(map[int]bool, len(running))
	for _, r := range running {
		if r.DisplayPort != nil {
			taken[*r.DisplayPort] = true
		}
	}
	return taken, nil
}

func (o *Orchestrator) observe(op string, start time.Time, err *error) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveOperation(op, resultOf(*err), time.Since(start))
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, n *models.Node) {
	if o.events == nil {
		return
	}
	ev := events.Event{
		Type:        eventType,
		NodeID:      n.ID,
		Name:        n.Name,
		Status:      n.Status,
		DisplayPort: n.DisplayPort,
		RouteID:     n.SessionRouteID,
		At:          time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish event failed", zap.String("event", eventType), zap.String("node", n.Name), zap.Error(err))
	}
}
