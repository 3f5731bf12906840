// Package twitchapi contains minimal helpers to interact with Twitch Helix,
// GQL, and EventSub subscription APIs.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HelixClient provides the Helix calls the monitor needs: user id resolution
// and live stream lookups. UserToken is tried first; AppTokenSource is the
// fallback when no user credential is stored yet.
type HelixClient struct {
	BaseURL        string // defaults to https://api.twitch.tv/helix
	ClientID       string
	UserToken      TokenProvider
	AppTokenSource *TokenSource
	HTTPClient     *http.Client
}

// User holds the Helix user fields the registry cares about.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
	OfflineImageURL string `json:"offline_image_url"`
}

// Stream holds the Helix live stream fields the registry cares about.
type Stream struct {
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

func (hc *HelixClient) token(ctx context.Context) (string, error) {
	if hc.UserToken != nil {
		if tok, err := hc.UserToken.Get(ctx); err == nil && tok != "" {
			return tok, nil
		}
	}
	if hc.AppTokenSource != nil {
		return hc.AppTokenSource.Get(ctx)
	}
	return "", fmt.Errorf("no token source configured")
}

func (hc *HelixClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	tok, err := hc.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s failed: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUser resolves a login name to its user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found: %s", login)
	}
	return &body.Data[0], nil
}

// GetStream returns the live stream for a user id, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string]string{"user_id": userID}, &body); err != nil {
		return nil, err
	}
	for i := range body.Data {
		// Helix uses type=="live"; anything else (rerun etc.) is not a live broadcast.
		if body.Data[i].Type == "live" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}
