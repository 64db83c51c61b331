package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Credential is a short-lived token for one principal that may only read
// one route.
type Credential struct {
	Token      string    `json:"token"`
	Principal  string    `json:"principal"`
	RouteID    string    `json:"route_id"`
	DataSource string    `json:"data_source"`
	IssuedAt   time.Time `json:"issued_at"`
}

type user struct {
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	Attributes map[string]string `json:"attributes"`
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

// MintCredential provisions a fresh principal with READ on routeID only,
// then logs in as it. If any step after the principal exists fails, the
// principal is removed again.
func (c *Client) MintCredential(ctx context.Context, routeID string) (*Credential, error) {
	principal := principalPrefix(routeID) + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	password, err := randomPassword(24)
	if err != nil {
		return nil, fmt.Errorf("%w: generate password: %w", ErrBroker, err)
	}

	u := user{Username: principal, Password: password, Attributes: map[string]string{}}
	if err := c.call(ctx, http.MethodPost, c.dataPath("users"), u, nil); err != nil {
		return nil, fmt.Errorf("broker: create principal for route %s: %w", routeID, err)
	}

	grant := []patchOp{{Op: "add", Path: "/connectionPermissions/" + routeID, Value: "READ"}}
	if err := c.call(ctx, http.MethodPatch, c.dataPath("users", principal, "permissions"), grant, nil); err != nil {
		c.revoke(ctx, principal)
		return nil, fmt.Errorf("broker: grant route %s: %w", routeID, err)
	}

	token, err := c.login(ctx, principal, password, routeID)
	if err != nil {
		c.revoke(ctx, principal)
		return nil, fmt.Errorf("broker: login principal for route %s: %w", routeID, err)
	}

	c.logger.Info("credential minted", zap.String("route", routeID), zap.String("principal", principal))
	return &Credential{
		Token:      token,
		Principal:  principal,
		RouteID:    routeID,
		DataSource: c.dataSource,
		IssuedAt:   time.Now().UTC(),
	}, nil
}

// DeletePrincipal removes a principal. A missing principal is not an error.
func (c *Client) DeletePrincipal(ctx context.Context, principal string) error {
	err := c.call(ctx, http.MethodDelete, c.dataPath("users", principal), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("broker: delete principal %s: %w", principal, err)
	}
	return nil
}

// RevokePrincipals removes every principal minted for routeID and returns
// how many were removed.
func (c *Client) RevokePrincipals(ctx context.Context, routeID string) (int, error) {
	var users map[string]user
	if err := c.call(ctx, http.MethodGet, c.dataPath("users"), nil, &users); err != nil {
		return 0, fmt.Errorf("broker: list principals: %w", err)
	}
	prefix := principalPrefix(routeID)
	removed := 0
	for name, u := range users {
		if u.Username != "" {
			name = u.Username
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := c.DeletePrincipal(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// principalPrefix names the principals minted for routeID. The trailing
// separator keeps route 1 from matching route 12.
func principalPrefix(routeID string) string {
	return "nodeuser_" + routeID + "_"
}

func (c *Client) revoke(ctx context.Context, principal string) {
	if err := c.DeletePrincipal(ctx, principal); err != nil {
		c.logger.Warn("rollback: principal left behind", zap.String("principal", principal), zap.Error(err))
	}
}

// ClientURL returns the browser URL that opens the credential's route.
func (c *Client) ClientURL(cred *Credential) string {
	id := base64.StdEncoding.EncodeToString([]byte(cred.RouteID + "\x00c\x00" + cred.DataSource))
	return c.baseURL + "/#/client/" + url.PathEscape(id) + "?token=" + url.QueryEscape(cred.Token)
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomPassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}
