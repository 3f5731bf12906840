package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nazarein/streamwatch/db"
	"github.com/nazarein/streamwatch/testutil"
)

func TestAccessTokenNoCredential(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	_ = db.DeleteOAuthToken(ctx, dbx, Provider)

	s := New(dbx, nil, 5*time.Minute)
	_, err := s.AccessToken(ctx)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("AccessToken() err = %v, want ErrUnauthenticated", err)
	}
}

func TestAccessTokenOutsideMargin(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	if err := db.UpsertOAuthToken(ctx, dbx, Provider, "fresh-access", "refresh-1", time.Now().Add(2*time.Hour), "scope:a"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	refreshCalled := false
	s := New(dbx, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "", "", time.Time{}, "", errors.New("should not be called")
	}, 5*time.Minute)

	tok, err := s.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if tok != "fresh-access" {
		t.Errorf("AccessToken() = %q, want fresh-access", tok)
	}
	if refreshCalled {
		t.Error("refresh should not run while token is outside the margin")
	}
}

func TestAccessTokenRefreshesInsideMargin(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	if err := db.UpsertOAuthToken(ctx, dbx, Provider, "stale-access", "refresh-1", time.Now().Add(1*time.Minute), "scope:a"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	s := New(dbx, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		if rt != "refresh-1" {
			t.Errorf("refresh fn got refresh token %q, want refresh-1", rt)
		}
		return "new-access", "refresh-2", time.Now().Add(4 * time.Hour), "scope:b", nil
	}, 5*time.Minute)

	var notified []string
	s.OnRefresh(func(access string) { notified = append(notified, access) })

	tok, err := s.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if tok != "new-access" {
		t.Errorf("AccessToken() = %q, want new-access", tok)
	}
	if len(notified) != 1 || notified[0] != "new-access" {
		t.Errorf("notifications = %v, want [new-access]", notified)
	}

	access, refresh, _, scope, err := db.GetOAuthToken(ctx, dbx, Provider)
	if err != nil {
		t.Fatalf("load persisted token: %v", err)
	}
	if access != "new-access" || refresh != "refresh-2" || scope != "scope:b" {
		t.Errorf("persisted = %q/%q/%q, want new-access/refresh-2/scope:b", access, refresh, scope)
	}
}

func TestRefreshPreservesOldRefreshTokenAndScope(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	if err := db.UpsertOAuthToken(ctx, dbx, Provider, "stale", "keep-this-refresh", time.Now().Add(30*time.Second), "keep:scope"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	s := New(dbx, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		// Upstream omitted the rotated refresh token and scope.
		return "rotated-access", "", time.Now().Add(4 * time.Hour), "", nil
	}, 5*time.Minute)

	if _, err := s.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	_, refresh, _, scope, err := db.GetOAuthToken(ctx, dbx, Provider)
	if err != nil {
		t.Fatalf("load persisted token: %v", err)
	}
	if refresh != "keep-this-refresh" {
		t.Errorf("refresh token = %q, want keep-this-refresh", refresh)
	}
	if scope != "keep:scope" {
		t.Errorf("scope = %q, want keep:scope", scope)
	}
}

func TestRefreshFailureKeepsOldTokenUntilExpiry(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	if err := db.UpsertOAuthToken(ctx, dbx, Provider, "old-access", "refresh-1", time.Now().Add(2*time.Minute), ""); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	s := New(dbx, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("upstream down")
	}, 5*time.Minute)

	tok, err := s.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v, want old token while not expired", err)
	}
	if tok != "old-access" {
		t.Errorf("AccessToken() = %q, want old-access", tok)
	}
}

func TestRefreshFailureAfterExpiryNotifiesOnce(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	if err := db.UpsertOAuthToken(ctx, dbx, Provider, "dead-access", "refresh-1", time.Now().Add(-1*time.Minute), ""); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	s := New(dbx, func(ctx context.Context, rt string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("invalid grant")
	}, 5*time.Minute)

	invalidations := 0
	s.OnRefresh(func(access string) {
		if access == "" {
			invalidations++
		}
	})

	for i := 0; i < 3; i++ {
		if _, err := s.AccessToken(ctx); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("AccessToken() attempt %d err = %v, want ErrUnauthenticated", i, err)
		}
	}
	if invalidations != 1 {
		t.Errorf("invalid-credential callbacks = %d, want exactly 1", invalidations)
	}
}

func TestSetAndClearTokens(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = db.DeleteOAuthToken(ctx, dbx, Provider) })

	s := New(dbx, nil, 5*time.Minute)

	var notified []string
	s.OnRefresh(func(access string) { notified = append(notified, access) })

	if err := s.SetTokens(ctx, "login-access", "login-refresh", time.Now().Add(4*time.Hour), "user:read:email"); err != nil {
		t.Fatalf("SetTokens() error = %v", err)
	}
	ok, exp := s.Status(ctx)
	if !ok {
		t.Error("Status() authenticated = false after SetTokens")
	}
	if time.Until(exp) < 3*time.Hour {
		t.Errorf("Status() expiry = %v, want ~4h out", exp)
	}

	if err := s.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens() error = %v", err)
	}
	ok, _ = s.Status(ctx)
	if ok {
		t.Error("Status() authenticated = true after ClearTokens")
	}

	if len(notified) != 2 || notified[0] != "login-access" || notified[1] != "" {
		t.Errorf("notifications = %v, want [login-access, \"\"]", notified)
	}
}
