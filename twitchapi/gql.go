package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// publicGQLClientID is the client id the Twitch web player itself uses. The
// GQL endpoint accepts it without any user authentication, which makes it
// usable for polling live state before a user has logged in.
const publicGQLClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

// GQLClient queries the unauthenticated Twitch GQL endpoint for channel state
// that Helix either gates behind auth or does not expose (offline banner etc).
type GQLClient struct {
	URL        string // defaults to https://gql.twitch.tv/gql
	ClientID   string // defaults to the public web client id
	HTTPClient *http.Client
}

// ChannelInfo is the per-channel snapshot used by the reconcile loop.
type ChannelInfo struct {
	UserID          string
	Login           string
	IsLive          bool
	Title           string
	ThumbnailURL    string
	ProfileImageURL string
	OfflineImageURL string
}

const channelInfoQuery = `query($login: String!) {
  user(login: $login) {
    id
    login
    profileImageURL(width: 300)
    offlineImageURL
    broadcastSettings { title }
    stream { id type previewImageURL(width: 440, height: 248) }
  }
}`

func (gc *GQLClient) http() *http.Client {
	if gc.HTTPClient != nil {
		return gc.HTTPClient
	}
	return http.DefaultClient
}

func (gc *GQLClient) endpoint() string {
	if gc.URL != "" {
		return gc.URL
	}
	return "https://gql.twitch.tv/gql"
}

func (gc *GQLClient) clientID() string {
	if gc.ClientID != "" {
		return gc.ClientID
	}
	return publicGQLClientID
}

// GetChannelInfo fetches live state, title, and imagery for one channel.
// Returns an error when the channel does not exist.
func (gc *GQLClient) GetChannelInfo(ctx context.Context, login string) (*ChannelInfo, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	payload := map[string]any{
		"query":     channelInfoQuery,
		"variables": map[string]string{"login": login},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gc.endpoint(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-ID", gc.clientID())
	req.Header.Set("Content-Type", "application/json")
	resp, err := gc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gql query failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data struct {
			User *struct {
				ID                string `json:"id"`
				Login             string `json:"login"`
				ProfileImageURL   string `json:"profileImageURL"`
				OfflineImageURL   string `json:"offlineImageURL"`
				BroadcastSettings *struct {
					Title string `json:"title"`
				} `json:"broadcastSettings"`
				Stream *struct {
					ID              string `json:"id"`
					Type            string `json:"type"`
					PreviewImageURL string `json:"previewImageURL"`
				} `json:"stream"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	u := body.Data.User
	if u == nil {
		return nil, fmt.Errorf("channel not found: %s", login)
	}
	info := &ChannelInfo{
		UserID:          u.ID,
		Login:           u.Login,
		ProfileImageURL: u.ProfileImageURL,
		OfflineImageURL: u.OfflineImageURL,
	}
	if u.BroadcastSettings != nil {
		info.Title = u.BroadcastSettings.Title
	}
	if u.Stream != nil && u.Stream.Type == "live" {
		info.IsLive = true
		info.ThumbnailURL = u.Stream.PreviewImageURL
	}
	return info, nil
}
