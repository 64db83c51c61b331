package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// adminSession holds the admin token and its expiry. The token is fetched
// lazily, reused until shortly before expiry, and dropped on Invalidate.
// Concurrent callers share one login.
type adminSession struct {
	client   *Client
	username string
	password string
	ttl      time.Duration

	mu    sync.Mutex
	token *oauth2.Token
}

func newAdminSession(c *Client, username, password string, ttl time.Duration) *adminSession {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &adminSession{client: c, username: username, password: password, ttl: ttl}
}

// Token returns a valid admin token, logging in under ctx if needed.
func (s *adminSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := oauth2.ReuseTokenSource(s.token, &loginSource{
		ctx:      ctx,
		client:   s.client,
		username: s.username,
		password: s.password,
		ttl:      s.ttl,
	})
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	s.token = tok
	return tok.AccessToken, nil
}

// Invalidate forces the next Token call to log in again.
func (s *adminSession) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// loginSource performs a fresh admin login bound to one caller's context.
type loginSource struct {
	ctx      context.Context
	client   *Client
	username string
	password string
	ttl      time.Duration
}

func (l *loginSource) Token() (*oauth2.Token, error) {
	issued := time.Now()
	token, err := l.client.login(l.ctx, l.username, l.password, "")
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Guacamole",
		Expiry:      issued.Add(l.ttl),
	}, nil
}
