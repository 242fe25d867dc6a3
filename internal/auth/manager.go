package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/icube-dev/traego/internal/domain"
)

const refreshPath = "/auth/refresh"

// HeaderCloudIDEToken is the secondary platform token header. The
// gateway requires it alongside the Bearer token on every call.
const HeaderCloudIDEToken = "x-cloudide-token"

// Manager owns the Credentials and is the only component allowed to
// mutate them. All methods are safe for concurrent use.
type Manager struct {
	baseURL   string
	userAgent string
	client    *http.Client
	logger    *slog.Logger

	mu    sync.RWMutex
	creds Credentials
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the refresh exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager seeded with an initial access token,
// which may be empty. The token's expiry, when not supplied later via
// UpdateTokenInfo, is derived from its JWT exp claim when possible.
func NewManager(baseURL, userAgent, token string, opts ...Option) *Manager {
	m := &Manager{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if token != "" {
		m.creds = Credentials{AccessToken: token, AccessExpiry: expiryFromToken(token)}
	}
	return m
}

// Headers returns the header set for the next call: content type, user
// agent, and — when a token is present — the dual auth pair.
func (m *Manager) Headers() map[string]string {
	m.mu.RLock()
	token := m.creds.AccessToken
	m.mu.RUnlock()

	h := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   m.userAgent,
	}
	if token != "" {
		h["Authorization"] = "Bearer " + token
		h[HeaderCloudIDEToken] = token
	}
	return h
}

// Credentials returns a snapshot of the current credential set.
func (m *Manager) Credentials() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// IsValid reports whether the access token can authorize a call at now.
func (m *Manager) IsValid(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Valid(now)
}

// NeedsRefresh reports whether the token is inside the proactive
// refresh window.
func (m *Manager) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.NeedsRefresh(now, threshold)
}

// UpdateOption adjusts the optional refresh fields of an update.
type UpdateOption func(*Credentials)

// WithRefreshToken replaces the stored refresh token and its expiry.
func WithRefreshToken(token string, expiry time.Time) UpdateOption {
	return func(c *Credentials) {
		c.RefreshToken = token
		c.RefreshExpiry = expiry
	}
}

// WithIdentity attaches the authenticated user.
func WithIdentity(id *Identity) UpdateOption {
	return func(c *Credentials) { c.User = id }
}

// UpdateTokenInfo atomically replaces the stored credentials. The
// refresh token and user identity are kept from the previous set unless
// overridden. A zero accessExpiry falls back to the token's JWT exp
// claim. Expiries never move backwards.
func (m *Manager) UpdateTokenInfo(token string, accessExpiry time.Time, opts ...UpdateOption) {
	if accessExpiry.IsZero() {
		accessExpiry = expiryFromToken(token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.creds
	next.AccessToken = token
	if !accessExpiry.Before(m.creds.AccessExpiry) {
		next.AccessExpiry = accessExpiry
	}
	for _, opt := range opts {
		opt(&next)
	}
	if next.RefreshExpiry.Before(m.creds.RefreshExpiry) {
		next.RefreshExpiry = m.creds.RefreshExpiry
	}
	m.creds = next

	m.logger.Info("token updated", slog.Time("expires_at", next.AccessExpiry))
}

// SetIdentity records the authenticated user on the credential set.
func (m *Manager) SetIdentity(id *Identity) {
	m.mu.Lock()
	m.creds.User = id
	m.mu.Unlock()
}

// Logout clears the stored credentials.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.creds = Credentials{}
	m.mu.Unlock()
	m.logger.Info("credentials cleared")
}

// refreshResponse covers both the flat and the enveloped shape the
// refresh endpoint has been observed to return.
type refreshResponse struct {
	Token            string `json:"token"`
	ExpiredAt        string `json:"expiredAt"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiredAt string `json:"refreshExpiredAt"`
}

// Refresh exchanges the refresh token for a new access token. It fails
// with AuthError{RefreshExpired} when the refresh token is missing or
// past its own expiry, and AuthError{RefreshRejected} when the exchange
// itself errors. On success the new credential set is installed
// atomically and returned.
func (m *Manager) Refresh(ctx context.Context, now time.Time) (Credentials, error) {
	m.mu.RLock()
	current := m.creds
	m.mu.RUnlock()

	if !current.CanRefresh(now) {
		return Credentials{}, &domain.AuthError{
			Kind:    domain.AuthRefreshExpired,
			Message: "refresh token missing or expired",
		}
	}

	body, err := json.Marshal(map[string]string{"refreshToken": current.RefreshToken})
	if err != nil {
		return Credentials{}, &domain.AuthError{Kind: domain.AuthRefreshRejected, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, &domain.AuthError{Kind: domain.AuthRefreshRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.userAgent)
	if current.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+current.AccessToken)
		req.Header.Set(HeaderCloudIDEToken, current.AccessToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Credentials{}, &domain.AuthError{
			Kind:    domain.AuthRefreshRejected,
			Message: "refresh exchange failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, &domain.AuthError{Kind: domain.AuthRefreshRejected, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := domain.ParseAPIError(resp.StatusCode, respBody)
		return Credentials{}, &domain.AuthError{
			Kind:    domain.AuthRefreshRejected,
			Message: fmt.Sprintf("refresh endpoint returned %d", resp.StatusCode),
			Err:     apiErr,
		}
	}

	var rr refreshResponse
	if env, envErr := domain.ParseEnvelope(respBody); envErr == nil && len(env.Result) > 0 {
		_ = json.Unmarshal(env.Result, &rr)
	}
	if rr.Token == "" {
		_ = json.Unmarshal(respBody, &rr)
	}
	if rr.Token == "" {
		return Credentials{}, &domain.AuthError{
			Kind:    domain.AuthRefreshRejected,
			Message: "refresh response carried no token",
		}
	}

	opts := []UpdateOption{}
	if rr.RefreshToken != "" {
		opts = append(opts, WithRefreshToken(rr.RefreshToken, ParseWireTime(rr.RefreshExpiredAt)))
	}
	m.UpdateTokenInfo(rr.Token, ParseWireTime(rr.ExpiredAt), opts...)

	m.logger.Info("token refreshed", slog.Time("expires_at", m.Credentials().AccessExpiry))
	return m.Credentials(), nil
}

// ParseWireTime accepts the RFC 3339 timestamps the API uses,
// tolerating a trailing Z or numeric offset. Unparseable or empty
// input yields the zero time.
func ParseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
