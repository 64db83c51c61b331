package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// connection is the Guacamole connection resource.
type connection struct {
	Identifier       string            `json:"identifier,omitempty"`
	ParentIdentifier string            `json:"parentIdentifier"`
	Name             string            `json:"name"`
	Protocol         string            `json:"protocol"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	Attributes       map[string]string `json:"attributes"`
}

// CreateRoute registers a VNC connection named name that reaches targetPort
// on the configured target host, returning its route id.
func (c *Client) CreateRoute(ctx context.Context, name string, targetPort int) (string, error) {
	req := connection{
		ParentIdentifier: "ROOT",
		Name:             name,
		Protocol:         "vnc",
		Parameters: map[string]string{
			"hostname": c.targetHost,
			"port":     strconv.Itoa(targetPort),
			"password": "",
		},
		Attributes: map[string]string{},
	}
	var created connection
	if err := c.call(ctx, http.MethodPost, c.dataPath("connections"), req, &created); err != nil {
		return "", fmt.Errorf("broker: create route %s: %w", name, err)
	}
	if created.Identifier == "" {
		return "", fmt.Errorf("%w: create route %s: response has no identifier", ErrBroker, name)
	}
	c.logger.Info("route created", zap.String("name", name), zap.String("route", created.Identifier), zap.Int("port", targetPort))
	return created.Identifier, nil
}

// DeleteRoute removes a route. Deleting a route that does not exist succeeds.
func (c *Client) DeleteRoute(ctx context.Context, routeID string) error {
	err := c.call(ctx, http.MethodDelete, c.dataPath("connections", routeID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("broker: delete route %s: %w", routeID, err)
	}
	c.logger.Info("route deleted", zap.String("route", routeID))

	// Principals minted for the route are useless without it.
	if n, err := c.RevokePrincipals(ctx, routeID); err != nil {
		c.logger.Warn("revoke route principals failed", zap.String("route", routeID), zap.Error(err))
	} else if n > 0 {
		c.logger.Info("route principals revoked", zap.String("route", routeID), zap.Int("count", n))
	}
	return nil
}

// ListRoutes returns every route id mapped to its name.
func (c *Client) ListRoutes(ctx context.Context) (map[string]string, error) {
	var conns map[string]connection
	if err := c.call(ctx, http.MethodGet, c.dataPath("connections"), nil, &conns); err != nil {
		return nil, fmt.Errorf("broker: list routes: %w", err)
	}
	routes := make(map[string]string, len(conns))
	for id, conn := range conns {
		if conn.Identifier != "" {
			id = conn.Identifier
		}
		routes[id] = conn.Name
	}
	return routes, nil
}

// DeleteRoutesByName removes every route registered under name and returns
// how many were removed. It resolves by listing, not by any stored id.
func (c *Client) DeleteRoutesByName(ctx context.Context, name string) (int, error) {
	routes, err := c.ListRoutes(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, n := range routes {
		if n != name {
			continue
		}
		if err := c.DeleteRoute(ctx, id); err != nil {
			return removed, err
		}
		c.logger.Info("evicted ghost route", zap.String("name", name), zap.String("route", id))
		removed++
	}
	return removed, nil
}
