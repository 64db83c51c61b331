package models

import (
	"fmt"
	"time"
)

// Node statuses.
const (
	StatusStopped = "STOPPED"
	StatusRunning = "RUNNING"
)

// Node is a managed virtual-machine instance with its own disk overlay.
type Node struct {
	ID             uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name           string    `gorm:"size:64;not null;uniqueIndex" json:"name"`
	Status         string    `gorm:"size:16;not null;default:STOPPED;index" json:"status"`
	OverlayPath    string    `gorm:"size:512;not null;uniqueIndex" json:"overlay_path"`
	WorkloadPID    *int      `json:"workload_pid,omitempty"`
	DisplayPort    *int      `gorm:"uniqueIndex" json:"display_port,omitempty"`
	SessionRouteID *string   `gorm:"size:64;uniqueIndex" json:"session_route_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NodeName derives the immutable node name from its id.
func NodeName(id uint) string {
	return fmt.Sprintf("node-%d", id)
}

// Running reports whether the node is recorded as running.
func (n *Node) Running() bool {
	return n.Status == StatusRunning
}

// SetRunning records the liveness triple and marks the node running.
func (n *Node) SetRunning(pid, port int, routeID string) {
	n.Status = StatusRunning
	n.WorkloadPID = &pid
	n.DisplayPort = &port
	n.SessionRouteID = &routeID
}

// SetStopped clears the liveness triple and marks the node stopped.
func (n *Node) SetStopped() {
	n.Status = StatusStopped
	n.WorkloadPID = nil
	n.DisplayPort = nil
	n.SessionRouteID = nil
}

// CheckInvariants verifies that the liveness triple is all-or-nothing and
// present exactly when the node is running.
func (n *Node) CheckInvariants() error {
	present := 0
	if n.WorkloadPID != nil {
		present++
	}
	if n.DisplayPort != nil {
		present++
	}
	if n.SessionRouteID != nil {
		present++
	}
	switch n.Status {
	case StatusRunning:
		if present != 3 {
			return fmt.Errorf("node %s: running with %d of 3 liveness fields", n.Name, present)
		}
	case StatusStopped:
		if present != 0 {
			return fmt.Errorf("node %s: stopped with %d liveness fields set", n.Name, present)
		}
	default:
		return fmt.Errorf("node %s: unknown status %q", n.Name, n.Status)
	}
	if n.OverlayPath == "" {
		return fmt.Errorf("node %s: overlay path is empty", n.Name)
	}
	return nil
}
