// Package events publishes node lifecycle transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	Created    = "created"
	Running    = "running"
	Stopped    = "stopped"
	Wiped      = "wiped"
	Deleted    = "deleted"
	Reconciled = "reconciled"
)

// Event describes one completed node transition.
type Event struct {
	Type        string    `json:"type"`
	NodeID      uint      `json:"node_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	DisplayPort *int      `json:"display_port,omitempty"`
	RouteID     *string   `json:"route_id,omitempty"`
	At          time.Time `json:"at"`
}

// Subject returns the NATS subject for an event type under prefix.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// Encode marshals the event payload.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Publisher sends events to a NATS server.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials url and returns a Publisher that reconnects forever.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("nodeyard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends ev on <prefix>.<type>.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("events: nats not connected")
	}
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.Type), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
