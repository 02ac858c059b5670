package debricked

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"depscan-service/internal/config"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/pkg/errors"

	"github.com/rs/zerolog"
)

// TokenSource exchanges the configured credentials for a bearer token and
// caches it until the configured lifetime expires. Safe for use by concurrent
// upload tasks; callers sharing one TokenSource share one login.
type TokenSource struct {
	cfg       *config.Config
	client    *http.Client
	token     string
	expiresAt time.Time
	mu        sync.RWMutex
	log       zerolog.Logger
}

func NewTokenSource(cfg *config.Config) *TokenSource {
	return &TokenSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Debricked.Timeout,
		},
		log: logger.Get(),
	}
}

func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.token != "" && time.Now().Before(t.expiresAt.Add(-30*time.Second)) {
		token := t.token
		t.mu.RUnlock()
		return token, nil
	}
	t.mu.RUnlock()

	return t.refreshToken(ctx)
}

// Invalidate drops the cached token so the next Token call re-authenticates.
// Used after a 401 from the API.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}

func (t *TokenSource) refreshToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Double check after acquiring write lock
	if t.token != "" && time.Now().Before(t.expiresAt.Add(-30*time.Second)) {
		return t.token, nil
	}

	username := t.cfg.Debricked.Username
	password := t.cfg.Debricked.Password
	if username == "" || password == "" {
		return "", errors.ErrCredentialsNotConfigured
	}

	t.log.Debug().Msg("Refreshing Debricked authentication token")

	form := url.Values{}
	form.Set("_username", username)
	form.Set("_password", password)

	loginURL := t.cfg.Debricked.BaseURL + t.cfg.Debricked.LoginEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login rejected with status %d", errors.ErrAuthenticationFailed, resp.StatusCode)
	}

	var tokenResp model.AuthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}

	if tokenResp.Token == "" {
		return "", fmt.Errorf("%w: login succeeded but no token received", errors.ErrAuthenticationFailed)
	}

	t.token = tokenResp.Token

	lifetime := t.cfg.Debricked.TokenExpires
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	t.expiresAt = time.Now().Add(lifetime)

	t.log.Debug().Time("expires_at", t.expiresAt).Msg("Token refreshed successfully")

	return t.token, nil
}
