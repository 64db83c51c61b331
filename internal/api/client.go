package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/nodeyard/internal/lifecycle"
	"github.com/zulandar/nodeyard/internal/models"
)

// StatusError is a non-2xx response from the API. It unwraps to the
// lifecycle error matching its status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return lifecycle.ErrNotFound
	case http.StatusConflict:
		return lifecycle.ErrConflict
	case http.StatusServiceUnavailable:
		return lifecycle.ErrResourceExhausted
	case http.StatusBadGateway:
		return lifecycle.ErrBroker
	default:
		return nil
	}
}

// Client calls a running nodeyard API server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) List(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	err := c.do(ctx, http.MethodGet, "/nodes", &nodes)
	return nodes, err
}

func (c *Client) Create(ctx context.Context) (*models.Node, error) {
	var n models.Node
	if err := c.do(ctx, http.MethodPost, "/nodes", &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) Get(ctx context.Context, id uint) (*models.Node, error) {
	return c.node(ctx, http.MethodGet, fmt.Sprintf("/nodes/%d", id))
}

func (c *Client) Run(ctx context.Context, id uint) (*models.Node, error) {
	return c.node(ctx, http.MethodPost, fmt.Sprintf("/nodes/%d/run", id))
}

func (c *Client) Stop(ctx context.Context, id uint) (*models.Node, error) {
	return c.node(ctx, http.MethodPost, fmt.Sprintf("/nodes/%d/stop", id))
}

func (c *Client) Wipe(ctx context.Context, id uint) (*models.Node, error) {
	return c.node(ctx, http.MethodPost, fmt.Sprintf("/nodes/%d/wipe", id))
}

func (c *Client) Delete(ctx context.Context, id uint) (*models.Node, error) {
	return c.node(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%d", id))
}

func (c *Client) Access(ctx context.Context, id uint) (*lifecycle.Access, error) {
	var a lifecycle.Access
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%d/access", id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Reconcile(ctx context.Context) (int, error) {
	var out struct {
		Reconciled int `json:"reconciled"`
	}
	err := c.do(ctx, http.MethodPost, "/reconcile", &out)
	return out.Reconciled, err
}

func (c *Client) node(ctx context.Context, method, path string) (*models.Node, error) {
	var n models.Node
	if err := c.do(ctx, method, path, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
