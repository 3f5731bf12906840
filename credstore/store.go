// Package credstore owns the single Twitch user credential: persistence in the
// oauth_tokens table, proactive refresh ahead of expiry, and change
// notification for components that hold the token (EventSub socket, capture).
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nazarein/streamwatch/db"
	"github.com/nazarein/streamwatch/telemetry"
)

// ErrUnauthenticated indicates no usable credential is stored. Callers surface
// this to their own callers; it is never retried internally.
var ErrUnauthenticated = errors.New("no valid twitch credential")

// Provider is the oauth_tokens row key for the monitored account.
const Provider = "twitch"

// RefreshFunc performs the provider-specific refresh grant and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Store loads, refreshes, and persists the Twitch user credential.
// All refresh attempts are serialized behind one mutex so concurrent callers
// coalesce onto a single upstream request.
type Store struct {
	dbx       *sql.DB
	refreshFn RefreshFunc
	margin    time.Duration
	log       *slog.Logger

	mu              sync.Mutex
	notifiedInvalid bool

	cbMu      sync.Mutex
	callbacks []func(access string)
}

// New creates a Store. margin is the remaining-lifetime threshold below which
// AccessToken refreshes before returning.
func New(dbx *sql.DB, refreshFn RefreshFunc, margin time.Duration) *Store {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Store{
		dbx:       dbx,
		refreshFn: refreshFn,
		margin:    margin,
		log:       slog.Default().With(slog.String("component", "credstore")),
	}
}

// OnRefresh registers a callback invoked whenever the credential changes:
// login, logout (empty token), and every background or on-demand refresh.
// Callbacks run synchronously in registration order.
func (s *Store) OnRefresh(fn func(access string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *Store) notify(access string) {
	s.cbMu.Lock()
	cbs := make([]func(string), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.cbMu.Unlock()
	for _, fn := range cbs {
		fn(access)
	}
}

// AccessToken returns the current access token, refreshing first when the
// remaining lifetime is inside the safety margin. Returns ErrUnauthenticated
// when no credential is stored or the credential is expired and cannot be
// refreshed.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, refresh, expiry, scope, err := db.GetOAuthToken(ctx, s.dbx, Provider)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if access == "" && refresh == "" {
		return "", ErrUnauthenticated
	}
	if time.Until(expiry) > s.margin {
		return access, nil
	}
	return s.refreshLocked(ctx, access, refresh, expiry, scope)
}

// Get implements twitchapi.TokenProvider.
func (s *Store) Get(ctx context.Context) (string, error) { return s.AccessToken(ctx) }

// refreshLocked attempts a refresh. The caller holds s.mu.
func (s *Store) refreshLocked(ctx context.Context, access, refresh string, expiry time.Time, scope string) (string, error) {
	if refresh == "" {
		if time.Now().Before(expiry) {
			return access, nil
		}
		s.markInvalidLocked()
		return "", ErrUnauthenticated
	}

	newAT, newRT, newExp, newScope, err := s.refreshFn(ctx, refresh)
	if err != nil {
		// Keep serving the old token until it actually expires.
		if time.Now().Before(expiry) {
			s.log.Warn("token refresh failed, old token still valid", slog.Any("err", err))
			return access, nil
		}
		s.log.Error("token refresh failed after expiry", slog.Any("err", err))
		s.markInvalidLocked()
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	// Some refresh responses omit the rotated refresh token or scope; keep the old ones.
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, s.dbx, Provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	s.notifiedInvalid = false
	if telemetry.TokenRefreshes != nil {
		telemetry.TokenRefreshes.Inc()
	}
	s.log.Info("token refreshed", slog.Time("expires_at", newExp))
	s.notify(newAT)
	return newAT, nil
}

// markInvalidLocked fires the invalid-credential callback once per outage.
func (s *Store) markInvalidLocked() {
	if s.notifiedInvalid {
		return
	}
	s.notifiedInvalid = true
	s.notify("")
}

// SetTokens persists a new credential (login or manual token paste) and
// notifies subscribers.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, expiresAt time.Time, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := db.UpsertOAuthToken(ctx, s.dbx, Provider, access, refresh, expiresAt, scope); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.notifiedInvalid = false
	s.notify(access)
	return nil
}

// ClearTokens removes the stored credential (logout) and notifies subscribers
// with an empty token.
func (s *Store) ClearTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := db.DeleteOAuthToken(ctx, s.dbx, Provider); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.notifiedInvalid = true
	s.notify("")
	return nil
}

// Status reports whether a credential is stored and when it expires.
func (s *Store) Status(ctx context.Context) (authenticated bool, expiresAt time.Time) {
	access, refresh, expiry, _, err := db.GetOAuthToken(ctx, s.dbx, Provider)
	if err != nil {
		return false, time.Time{}
	}
	return access != "" || refresh != "", expiry
}

// Run periodically checks the credential and refreshes it when the remaining
// lifetime falls inside the margin. interval is the wake-up cadence; jitter is
// applied so multiple instances do not stampede the token endpoint.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		// Per-iteration jitter (±20% of interval) for scheduling diversity.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := s.AccessToken(ctx2)
		cancel()
		if err != nil && !errors.Is(err, ErrUnauthenticated) {
			s.log.Warn("background credential check failed", slog.Any("err", err))
		}
	}
}
