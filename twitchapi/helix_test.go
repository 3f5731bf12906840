package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// staticToken implements TokenProvider for tests.
type staticToken string

func (s staticToken) Get(ctx context.Context) (string, error) { return string(s), nil }

func TestHelixClient_GetUser(t *testing.T) {
	tests := []struct {
		response    interface{}
		name        string
		login       string
		wantUserID  string
		errContains string
		wantErr     bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"id": "12345", "login": "testuser", "profile_image_url": "https://cdn/p.png"},
				},
			},
			wantUserID: "12345",
		},
		{
			name:  "user not found",
			login: "nonexistent",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if tt.login != "" && r.URL.Query().Get("login") != tt.login {
					t.Errorf("login query param = %s, want %s", r.URL.Query().Get("login"), tt.login)
				}
				w.WriteHeader(http.StatusOK)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			client := &HelixClient{
				BaseURL:   server.URL,
				ClientID:  "test-client-id",
				UserToken: staticToken("test-token"),
			}

			user, err := client.GetUser(context.Background(), tt.login)

			if tt.wantErr {
				if err == nil {
					t.Errorf("GetUser() error = nil, want error containing %q", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUser() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("GetUser() unexpected error = %v", err)
				return
			}
			if user.ID != tt.wantUserID {
				t.Errorf("GetUser().ID = %s, want %s", user.ID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_GetStream(t *testing.T) {
	tests := []struct {
		response interface{}
		name     string
		userID   string
		wantLive bool
		wantErr  bool
	}{
		{
			name:   "live stream",
			userID: "12345",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"user_id": "12345", "type": "live", "title": "Playing games", "thumbnail_url": "https://cdn/t.jpg"},
				},
			},
			wantLive: true,
		},
		{
			name:   "offline",
			userID: "12345",
			response: map[string]interface{}{
				"data": []map[string]string{},
			},
			wantLive: false,
		},
		{
			name:   "rerun is not live",
			userID: "12345",
			response: map[string]interface{}{
				"data": []map[string]string{
					{"user_id": "12345", "type": "rerun", "title": "Old stream"},
				},
			},
			wantLive: false,
		},
		{
			name:    "empty userID",
			userID:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.userID != "" && r.URL.Query().Get("user_id") != tt.userID {
					t.Errorf("user_id = %s, want %s", r.URL.Query().Get("user_id"), tt.userID)
				}
				w.WriteHeader(http.StatusOK)
				if tt.response != nil {
					json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			client := &HelixClient{
				BaseURL:   server.URL,
				ClientID:  "test-client-id",
				UserToken: staticToken("test-token"),
			}

			stream, err := client.GetStream(context.Background(), tt.userID)
			if tt.wantErr {
				if err == nil {
					t.Errorf("GetStream() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetStream() unexpected error = %v", err)
			}
			if got := stream != nil; got != tt.wantLive {
				t.Errorf("GetStream() live = %v, want %v", got, tt.wantLive)
			}
			if tt.wantLive && stream.Title == "" {
				t.Error("live stream title is empty")
			}
		})
	}
}

func TestHelixClient_AppTokenFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "app-token",
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		case "/users":
			if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
				t.Fatalf("auth = %q, want app token fallback", got)
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "u-789", "login": "someone"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := &HelixClient{
		BaseURL:   server.URL,
		ClientID:  "test-client-id",
		UserToken: staticToken(""), // no user credential stored yet
		AppTokenSource: &TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			TokenURL:     server.URL + "/oauth2/token",
		},
	}

	user, err := client.GetUser(context.Background(), "someone")
	if err != nil {
		t.Fatalf("GetUser() unexpected error = %v", err)
	}
	if user.ID != "u-789" {
		t.Fatalf("GetUser().ID = %q, want u-789", user.ID)
	}
}
