package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrUnauthorized is returned by subscription calls when Twitch rejects the
// credential. Callers suspend retries until a fresh token arrives.
var ErrUnauthorized = errors.New("twitch rejected credentials")

// EventSubClient manages Helix EventSub subscription records bound to a
// WebSocket session.
type EventSubClient struct {
	BaseURL    string // defaults to https://api.twitch.tv/helix
	ClientID   string
	UserToken  TokenProvider
	HTTPClient *http.Client
}

func (ec *EventSubClient) http() *http.Client {
	if ec.HTTPClient != nil {
		return ec.HTTPClient
	}
	return http.DefaultClient
}

func (ec *EventSubClient) base() string {
	if ec.BaseURL != "" {
		return ec.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

// CreateSubscription registers subType (stream.online / stream.offline) for a
// broadcaster on the given WebSocket session and returns the subscription id.
func (ec *EventSubClient) CreateSubscription(ctx context.Context, subType, broadcasterID, sessionID string) (string, error) {
	if subType == "" || broadcasterID == "" || sessionID == "" {
		return "", fmt.Errorf("missing subType/broadcasterID/sessionID")
	}
	tok, err := ec.UserToken.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	payload := map[string]any{
		"type":      subType,
		"version":   "1",
		"condition": map[string]string{"broadcaster_user_id": broadcasterID},
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ec.base()+"/eventsub/subscriptions", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Client-Id", ec.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ec.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("create %s subscription: %w", subType, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create %s subscription failed: %s: %s", subType, resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("create %s subscription: empty response", subType)
	}
	return body.Data[0].ID, nil
}

// DeleteSubscription removes a subscription by id. A 404 is treated as
// success so removal stays idempotent.
func (ec *EventSubClient) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	tok, err := ec.UserToken.Get(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ec.base()+"/eventsub/subscriptions?id="+id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", ec.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := ec.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("delete subscription %s: %w", id, ErrUnauthorized)
	default:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete subscription %s failed: %s: %s", id, resp.Status, string(b))
	}
}
