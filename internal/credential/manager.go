package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weftd/weft/internal/httpkit"
)

// Endpoint describes one provider's token-refresh endpoint.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Manager resolves access tokens for (user, provider) and runs the
// refresh-once protocol around provider calls:
//
//  1. Attempt the call with the stored access token.
//  2. On success, done.
//  3. On ErrExpired: exchange the stored refresh token at the
//     provider's token endpoint, persist the new token, and retry the
//     call exactly once. No refresh token, or any failure on the
//     retry, is terminal for the current cycle.
//  4. Any other error is returned untouched — transient provider
//     failures are never retried here.
//
// Concurrent refreshes for the same (user, provider) are collapsed
// into a single token exchange; late callers wait for and share the
// first caller's result.
type Manager struct {
	store     *Store
	endpoints map[string]Endpoint
	http      *http.Client
	logger    *slog.Logger
	refresh   singleflight.Group
}

// NewManager creates a credential manager. The endpoints map is keyed
// by provider slug; a provider absent from the map cannot refresh.
func NewManager(store *Store, endpoints map[string]Endpoint, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		endpoints: endpoints,
		http:      httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:    logger,
	}
}

// Do runs call with the current access token for (userID, provider),
// applying the refresh-once protocol on ErrExpired.
func (m *Manager) Do(ctx context.Context, userID, provider string, call func(ctx context.Context, accessToken string) error) error {
	cred, err := m.store.Get(userID, provider)
	if err != nil {
		return fmt.Errorf("resolve credential for %s/%s: %w", provider, userID, err)
	}

	err = call(ctx, cred.AccessToken)
	if err == nil || !errors.Is(err, ErrExpired) {
		return err
	}

	token, err := m.refreshToken(ctx, cred)
	if err != nil {
		return err
	}

	// Exactly one retry with the fresh token. Whatever happens now is
	// the final answer for this cycle.
	return call(ctx, token)
}

// refreshToken exchanges the stored refresh token for a new access
// token and persists it. Calls for the same (user, provider) are
// single-flighted so two rules sharing an expired credential trigger
// one exchange.
func (m *Manager) refreshToken(ctx context.Context, cred *Credential) (string, error) {
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("refresh %s/%s: %w", cred.Provider, cred.UserID, ErrNoRefreshToken)
	}

	key := cred.UserID + "|" + cred.Provider
	token, err, shared := m.refresh.Do(key, func() (any, error) {
		return m.exchange(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Debug("credential refresh shared with concurrent caller",
			"provider", cred.Provider,
			"user", cred.UserID,
		)
	}
	return token.(string), nil
}

// tokenResponse is the OAuth token endpoint's JSON reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// exchange performs the actual refresh-token grant and persists the
// rotated credential.
func (m *Manager) exchange(ctx context.Context, cred *Credential) (string, error) {
	ep, ok := m.endpoints[cred.Provider]
	if !ok || ep.TokenURL == "" {
		return "", fmt.Errorf("refresh %s: no token endpoint configured", cred.Provider)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {ep.ClientID},
		"client_secret": {ep.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange for %s: %w", cred.Provider, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange for %s: status %d: %s",
			cred.Provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response for %s: %w", cred.Provider, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token exchange for %s: empty access_token", cred.Provider)
	}

	cred.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		// Some providers rotate the refresh token on every exchange.
		cred.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if err := m.store.Upsert(cred); err != nil {
		return "", fmt.Errorf("persist refreshed credential for %s: %w", cred.Provider, err)
	}

	m.logger.Info("credential refreshed",
		"provider", cred.Provider,
		"user", cred.UserID,
		"expires_at", cred.ExpiresAt,
	)

	return tr.AccessToken, nil
}
