// Package broker is a client for the Apache Guacamole REST API, used as the
// remote-display session broker. Connections are exposed as routes.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBroker wraps every failure talking to the broker.
var ErrBroker = errors.New("broker: request failed")

// StatusError is a non-2xx response from the broker.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrBroker }

// Client talks to one Guacamole deployment with one admin identity.
type Client struct {
	baseURL    string
	dataSource string
	targetHost string
	timeout    time.Duration
	http       *http.Client
	session    *adminSession
	logger     *zap.Logger
}

// Opts configures a Client.
type Opts struct {
	URL        string // e.g. http://localhost:8080/guacamole
	DataSource string // e.g. postgresql
	Username   string
	Password   string
	TargetHost string // host the broker dials to reach the display port
	Timeout    time.Duration
	TokenTTL   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New returns a Client. No request is made until the first call.
func New(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker: url is required")
	}
	if opts.DataSource == "" {
		opts.DataSource = "postgresql"
	}
	if opts.TargetHost == "" {
		opts.TargetHost = "localhost"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.URL, "/"),
		dataSource: opts.DataSource,
		targetHost: opts.TargetHost,
		timeout:    opts.Timeout,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
	}
	c.session = newAdminSession(c, opts.Username, opts.Password, opts.TokenTTL)
	return c, nil
}

// dataPath returns the session data path for a resource under the data source.
func (c *Client) dataPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, "api", "session", "data", url.PathEscape(c.dataSource))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

// call performs an admin-authenticated JSON request. A 401 or 403 drops the
// cached admin token and retries once with a fresh one.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.session.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: admin login: %w", ErrBroker, err)
		}
		err = c.do(ctx, method, path, url.Values{"token": {token}}, in, out)
		var se *StatusError
		if attempt == 0 && errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			c.logger.Info("broker admin token rejected, re-authenticating", zap.Int("status", se.Code))
			c.session.Invalidate()
			continue
		}
		return err
	}
}

// do sends one request bounded by the client timeout. in is JSON-encoded
// unless it is url.Values, which is form-encoded.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch v := in.(type) {
	case nil:
	case url.Values:
		body = strings.NewReader(v.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encode %s %s: %w", ErrBroker, method, path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%w: build %s %s: %w", ErrBroker, method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrBroker, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", ErrBroker, method, path, err)
	}
	return nil
}

type tokenResponse struct {
	AuthToken  string `json:"authToken"`
	Username   string `json:"username"`
	DataSource string `json:"dataSource"`
}

// login exchanges credentials for a Guacamole auth token. A non-empty
// connection binds the session to that route.
func (c *Client) login(ctx context.Context, username, password, connection string) (string, error) {
	var tr tokenResponse
	form := url.Values{"username": {username}, "password": {password}}
	if connection != "" {
		form.Set("connection", connection)
	}
	if err := c.do(ctx, http.MethodPost, "/api/tokens", nil, form, &tr); err != nil {
		return "", err
	}
	if tr.AuthToken == "" {
		return "", fmt.Errorf("%w: login %s: empty auth token", ErrBroker, username)
	}
	return tr.AuthToken, nil
}

// isNotFound reports whether err is a 404 from the broker.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
