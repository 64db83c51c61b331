package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zulandar/nodeyard/internal/events"
	"github.com/zulandar/nodeyard/internal/models"
	"github.com/zulandar/nodeyard/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconcile marks every running node whose workload has died as stopped
// and removes its route. It returns how many nodes changed. Running it again
// on a converged registry changes nothing.
func (o *Orchestrator) Reconcile(ctx context.Context) (count int, err error) {
	defer o.observe("reconcile", time.Now(), &err)

	running, err := o.reg.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: reconcile: %w", err)
	}

	var changed atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, r := range running {
		id := r.ID
		g.Go(func() error {
			unlock := o.locks.Lock(id)
			defer unlock()

			n, err := o.reg.Load(ctx, id)
			if errors.Is(err, registry.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("lifecycle: reconcile node %d: %w", id, err)
			}
			ok, err := o.reconcileLocked(ctx, n)
			if ok {
				changed.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(changed.Load()), err
}

// ReconcileNode reconciles one node and returns its current record.
func (o *Orchestrator) ReconcileNode(ctx context.Context, id uint) (*models.Node, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	return o.loadReconciled(ctx, id)
}

// reconcileLocked stops n in place if it is recorded running but its
// workload is gone. The caller holds n's lock.
func (o *Orchestrator) reconcileLocked(ctx context.Context, n *models.Node) (bool, error) {
	if !n.Running() {
		return false, nil
	}
	if n.WorkloadPID != nil && o.sup.Attach(*n.WorkloadPID).Alive() {
		return false, nil
	}

	o.logger.Warn("workload gone, marking node stopped",
		zap.String("node", n.Name),
		zap.Intp("pid", n.WorkloadPID))
	tctx, cancel := o.teardownContext(ctx)
	if n.SessionRouteID != nil {
		o.deleteRoute(tctx, n.Name, *n.SessionRouteID)
	}
	cancel()
	if n.DisplayPort != nil {
		o.ports.Release(*n.DisplayPort)
	}

	n.SetStopped()
	if err := o.reg.Save(ctx, n); err != nil {
		return false, fmt.Errorf("lifecycle: persist reconciled %s: %w", n.Name, err)
	}
	if o.metrics != nil {
		o.metrics.ObserveReconciled(1)
	}
	o.publish(ctx, events.Reconciled, n)
	return true, nil
}
