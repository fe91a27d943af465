package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrRefreshSkipped is returned when another refresh is already in flight.
// Callers must not queue; the winner's result serves everyone.
var ErrRefreshSkipped = errors.New("refresh already in progress")

// ErrRefreshUnauthorized is returned when the refresh endpoint rejects the
// refresh token. The store is cleared when this happens.
var ErrRefreshUnauthorized = errors.New("refresh token rejected")

const (
	noKeyRetryInterval     = 60 * time.Second
	refreshJitter          = 30 * time.Second
	maxBackoff             = 60 * time.Second
	maxConsecutiveFailures = 5
)

// RefreshConfig configures the OAuth refresh protocol.
type RefreshConfig struct {
	URL      string // refresh endpoint; OAUTH_REFRESH_URL overrides
	ClientID string
	Timeout  time.Duration
}

// Refresher keeps the store's key fresh with a single background worker.
type Refresher struct {
	store  *Store
	cfg    RefreshConfig
	client *http.Client
	stop   chan struct{}
	done   chan struct{}
}

// NewRefresher creates a refresher for store.
func NewRefresher(store *Store, cfg RefreshConfig) *Refresher {
	if v := os.Getenv("OAUTH_REFRESH_URL"); v != "" {
		cfg.URL = v
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Refresher{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Refresh performs one refresh attempt if the current key needs it.
// Returns ErrRefreshSkipped when a refresh is already in flight, and
// (false, nil) when the key did not need refreshing.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	key, ok := r.store.Get()
	if !ok || key.RefreshToken == "" {
		return false, nil
	}
	if !r.store.NeedsRefresh(key) {
		return false, nil
	}

	if !r.store.beginRefresh() {
		return false, ErrRefreshSkipped
	}
	defer r.store.endRefresh()

	// Re-check under the flag: the previous holder may have refreshed.
	key, ok = r.store.Get()
	if !ok || !r.store.NeedsRefresh(key) {
		return false, nil
	}

	// HTTP runs outside the store lock, guarded only by the refresh flag.
	newKey, err := r.refreshKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRefreshUnauthorized) {
			log.Printf("[KeyManager] Refresh rejected with 401, clearing credential")
			r.store.Clear()
		}
		return false, err
	}

	if err := r.store.Save(newKey); err != nil {
		log.Printf("[KeyManager] WARNING: Failed to persist refreshed credential: %v", err)
	}
	r.store.SetIfNewer(newKey)
	log.Printf("[KeyManager] Credential refreshed, expires at %s",
		time.UnixMilli(newKey.ExpiresAt).Format(time.RFC3339))
	return true, nil
}

// refreshKey calls the refresh endpoint with the standard form body.
func (r *Refresher) refreshKey(ctx context.Context, key OAuthKey) (OAuthKey, error) {
	if r.cfg.URL == "" {
		return OAuthKey{}, fmt.Errorf("no refresh endpoint configured")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {key.RefreshToken},
		"client_id":     {r.cfg.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return OAuthKey{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("OAUTH-TOKEN", key.AccessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return OAuthKey{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized {
		return OAuthKey{}, ErrRefreshUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return OAuthKey{}, fmt.Errorf("refresh endpoint returned %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"` // seconds
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return OAuthKey{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return OAuthKey{}, fmt.Errorf("refresh response missing access_token")
	}

	newKey := OAuthKey{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + result.ExpiresIn*1000,
	}
	// Some servers omit the refresh token on rotation; keep the old one.
	if newKey.RefreshToken == "" {
		newKey.RefreshToken = key.RefreshToken
	}
	return newKey, nil
}

// Run is the background refresh loop. It exits when Stop is called or ctx
// is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	defer close(r.done)
	retries := 0

	for {
		key, ok := r.store.Get()
		if !ok {
			if !r.sleep(ctx, noKeyRetryInterval) {
				return
			}
			continue
		}

		if key.IsStatic() {
			// Nothing to refresh; re-check occasionally in case the
			// watcher swaps in a dynamic key.
			if !r.sleep(ctx, noKeyRetryInterval) {
				return
			}
			continue
		}

		if r.store.NeedsRefresh(key) {
			_, err := r.Refresh(ctx)
			switch {
			case err == nil || errors.Is(err, ErrRefreshSkipped):
				retries = 0
			case errors.Is(err, ErrRefreshUnauthorized):
				retries = 0 // store already cleared
			default:
				retries++
				log.Printf("[KeyManager] Refresh failed (attempt %d/%d): %v",
					retries, maxConsecutiveFailures, err)
				if retries > maxConsecutiveFailures {
					log.Printf("[KeyManager] Too many refresh failures, clearing credential")
					r.store.Clear()
					retries = 0
					continue
				}
				if !r.sleep(ctx, backoff(retries)) {
					return
				}
				continue
			}
		}

		if !r.sleep(ctx, r.nextWake()) {
			return
		}
	}
}

// nextWake computes the sleep until the next refresh: expiry minus the
// buffer, with mandatory ±30s jitter to desynchronise multiple instances.
func (r *Refresher) nextWake() time.Duration {
	key, ok := r.store.Get()
	if !ok || key.IsStatic() {
		return noKeyRetryInterval
	}
	r.store.mu.RLock()
	buffer := r.store.buffer
	r.store.mu.RUnlock()

	until := time.UnixMilli(key.ExpiresAt).Sub(time.Now()) - buffer
	jitter := time.Duration(rand.Int63n(int64(2*refreshJitter))) - refreshJitter
	wake := until + jitter
	if wake < time.Second {
		wake = time.Second
	}
	return wake
}

// backoff returns min(60s, 2^retry seconds).
func backoff(retry int) time.Duration {
	if retry > 6 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleep waits for d, returning false if the refresher should exit.
func (r *Refresher) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop terminates the background loop and waits for it to exit.
func (r *Refresher) Stop() {
	close(r.stop)
	<-r.done
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
