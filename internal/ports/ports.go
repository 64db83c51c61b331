// Package ports finds unused local TCP ports for remote-display endpoints.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrExhausted is returned when every port in the window is taken.
var ErrExhausted = errors.New("ports: no free port in window")

// ProbeFunc reports whether something is listening on addr.
type ProbeFunc func(ctx context.Context, addr string) bool

// Allocator hands out the first free port in [start, start+window).
//
// A port is free when it is not excluded by the caller, not leased to an
// in-flight caller of this Allocator, and refuses a TCP connection. The
// probe does not bind the port, so an unrelated process can still take it
// before the workload does.
type Allocator struct {
	host    string
	start   int
	window  int
	timeout time.Duration
	probe   ProbeFunc

	mu     sync.Mutex
	leased map[int]struct{}
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithProbe replaces the TCP dial probe.
func WithProbe(fn ProbeFunc) Option {
	return func(a *Allocator) { a.probe = fn }
}

// New returns an Allocator probing host for ports start..start+window-1.
func New(host string, start, window int, timeout time.Duration, opts ...Option) *Allocator {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	a := &Allocator{
		host:    host,
		start:   start,
		window:  window,
		timeout: timeout,
		leased:  make(map[int]struct{}),
	}
	a.probe = a.dial
	for _, o := range opts {
		o(a)
	}
	return a
}

// Allocate returns a free port and leases it until Release is called.
// Ports for which exclude reports true are skipped without probing.
func (a *Allocator) Allocate(ctx context.Context, exclude func(port int) bool) (int, error) {
	for port := a.start; port < a.start+a.window; port++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("ports: allocate: %w", err)
		}
		if exclude != nil && exclude(port) {
			continue
		}
		if !a.lease(port) {
			continue
		}
		if a.probe(ctx, net.JoinHostPort(a.host, strconv.Itoa(port))) {
			a.Release(port)
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrExhausted, a.start, a.start+a.window-1)
}

// Release drops the in-process lease on port. Releasing an unleased port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leased, port)
	a.mu.Unlock()
}

func (a *Allocator) lease(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.leased[port]; ok {
		return false
	}
	a.leased[port] = struct{}{}
	return true
}

// dial treats any connection failure (refused, unreachable, timeout) as free.
func (a *Allocator) dial(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
