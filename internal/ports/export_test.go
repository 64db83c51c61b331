package ports

// isLeased reports whether port is currently leased.
func (a *Allocator) isLeased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.leased[port]
	return ok
}
