// Package monitor owns the streamer registry and coordinates the other
// components: subscriptions track live transitions, captures record them, the
// hub broadcasts them, and Postgres keeps everything across restarts. All
// registry mutations flow through Monitor methods behind a single mutex.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nazarein/streamwatch/broadcast"
	"github.com/nazarein/streamwatch/capture"
	"github.com/nazarein/streamwatch/db"
	"github.com/nazarein/streamwatch/eventsub"
	"github.com/nazarein/streamwatch/twitchapi"
)

// Registry operation errors.
var (
	ErrNotFound          = errors.New("streamer not found")
	ErrConflict          = errors.New("streamer already registered")
	ErrInvalidUsername   = errors.New("invalid streamer username")
	ErrInvalidResolution = errors.New("invalid resolution")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,25}$`)

// validResolutions are the capture qualities the frontend offers.
var validResolutions = map[string]bool{
	"best":       true,
	"1080p60":    true,
	"720p60":     true,
	"480p":       true,
	"360p":       true,
	"160p":       true,
	"audio_only": true,
}

// Streamer is the API-facing registry view.
type Streamer struct {
	Username         string    `json:"username"`
	TwitchID         string    `json:"twitchId,omitempty"`
	DownloadsEnabled bool      `json:"downloadsEnabled"`
	Resolution       string    `json:"resolution"`
	StoragePath      string    `json:"storagePath,omitempty"`
	IsLive           bool      `json:"isLive"`
	Title            string    `json:"title"`
	Thumbnail        string    `json:"thumbnail,omitempty"`
	DownloadStatus   string    `json:"downloadStatus,omitempty"`
	ProfileImageURL  string    `json:"profileImageUrl,omitempty"`
	OfflineImageURL  string    `json:"offlineImageUrl,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func toView(rec db.StreamerRecord) Streamer {
	return Streamer{
		Username:         rec.Username,
		TwitchID:         rec.TwitchID,
		DownloadsEnabled: rec.DownloadsEnabled,
		Resolution:       rec.Resolution,
		StoragePath:      rec.StoragePath,
		IsLive:           rec.IsLive,
		Title:            rec.Title,
		Thumbnail:        rec.Thumbnail,
		DownloadStatus:   rec.DownloadStatus,
		ProfileImageURL:  rec.ProfileImageURL,
		OfflineImageURL:  rec.OfflineImageURL,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

// UpdateRequest carries per-streamer setting changes; nil fields are left
// untouched.
type UpdateRequest struct {
	DownloadsEnabled *bool   `json:"downloadsEnabled,omitempty"`
	Resolution       *string `json:"resolution,omitempty"`
	StoragePath      *string `json:"storagePath,omitempty"`
}

// Subscriptions is the slice of the eventsub manager the monitor drives.
type Subscriptions interface {
	AddSubscription(ctx context.Context, streamer, userID string, live bool) error
	RemoveSubscription(ctx context.Context, streamer string) error
	SetUserID(ctx context.Context, streamer, userID string)
	SetLive(ctx context.Context, streamer string, live bool)
	Status() eventsub.Status
	Reconnect()
}

// Captures is the slice of the capture orchestrator the monitor drives.
type Captures interface {
	Start(ctx context.Context, req capture.Request) error
	Stop(ctx context.Context, streamer string) error
	Status(streamer string) (capture.JobInfo, bool)
	Snapshot() []capture.JobInfo
	ActiveCount() int
	ClearTerminal(streamer string)
}

// Broadcaster is the slice of the hub the monitor publishes to.
type Broadcaster interface {
	LiveStatus(streamer string, isLive bool)
	DownloadStatus(streamer, status string)
	ThumbnailUpdate(streamer, thumbnail, title string)
	SetSnapshotProvider(fn broadcast.SnapshotFunc)
	Stats() broadcast.Stats
}

// ChannelResolver fetches channel state (GQL client in production).
type ChannelResolver interface {
	GetChannelInfo(ctx context.Context, login string) (*twitchapi.ChannelInfo, error)
}

// ChannelFallback is the authenticated Helix path used when GQL is
// unavailable.
type ChannelFallback interface {
	GetUser(ctx context.Context, login string) (*twitchapi.User, error)
	GetStream(ctx context.Context, userID string) (*twitchapi.Stream, error)
}

// CredentialStatus reports login state for diagnostics.
type CredentialStatus interface {
	Status(ctx context.Context) (bool, time.Time)
}

// Deps wires the monitor's collaborators.
type Deps struct {
	DB                *sql.DB
	Subs              Subscriptions
	Captures          Captures
	Hub               Broadcaster
	Channels          ChannelResolver
	Fallback          ChannelFallback         // optional; Helix lookup when GQL fails
	Tokens            twitchapi.TokenProvider // optional; ad-free capture token
	Credentials       CredentialStatus        // optional; diagnostics only
	Events            <-chan eventsub.Event
	ReconcileInterval time.Duration
}

// Monitor is the single writer of the streamer registry.
type Monitor struct {
	deps Deps
	log  *slog.Logger

	mu            sync.Mutex
	reg           map[string]*db.StreamerRecord
	lastReconcile time.Time
}

// New creates a monitor and installs its snapshot provider on the hub.
func New(deps Deps) *Monitor {
	if deps.ReconcileInterval <= 0 {
		deps.ReconcileInterval = 5 * time.Minute
	}
	m := &Monitor{
		deps: deps,
		log:  slog.Default().With(slog.String("component", "monitor")),
		reg:  make(map[string]*db.StreamerRecord),
	}
	if deps.Hub != nil {
		deps.Hub.SetSnapshotProvider(func() any { return m.List() })
	}
	return m
}

// Load populates the registry from Postgres, resolves missing channel ids,
// and registers subscriptions. Call once before Run.
func (m *Monitor) Load(ctx context.Context) error {
	recs, err := db.ListStreamers(ctx, m.deps.DB)
	if err != nil {
		return fmt.Errorf("load streamers: %w", err)
	}
	m.mu.Lock()
	for i := range recs {
		rec := recs[i]
		m.reg[rec.Username] = &rec
	}
	m.mu.Unlock()

	for _, rec := range recs {
		if rec.TwitchID == "" {
			m.resolveChannel(ctx, rec.Username)
		}
		if err := m.deps.Subs.AddSubscription(ctx, rec.Username, m.twitchID(rec.Username), m.isLive(rec.Username)); err != nil {
			m.log.Warn("register subscription", slog.String("streamer", rec.Username), slog.Any("err", err))
		}
	}
	m.log.Info("registry loaded", slog.Int("streamers", len(recs)))
	return nil
}

func (m *Monitor) twitchID(username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.reg[username]; ok {
		return rec.TwitchID
	}
	return ""
}

func (m *Monitor) isLive(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.reg[username]; ok {
		return rec.IsLive
	}
	return false
}

// List returns the registry sorted by username.
func (m *Monitor) List() []Streamer {
	m.mu.Lock()
	out := make([]Streamer, 0, len(m.reg))
	for _, rec := range m.reg {
		out = append(out, toView(*rec))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Get returns one streamer's state.
func (m *Monitor) Get(username string) (Streamer, error) {
	key := strings.ToLower(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg[key]
	if !ok {
		return Streamer{}, ErrNotFound
	}
	return toView(*rec), nil
}

// Add registers a new streamer, persists it, resolves channel state, and
// creates the live-transition subscription.
func (m *Monitor) Add(ctx context.Context, username string) (Streamer, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(key) {
		return Streamer{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	m.mu.Lock()
	if _, exists := m.reg[key]; exists {
		m.mu.Unlock()
		return Streamer{}, fmt.Errorf("%w: %s", ErrConflict, key)
	}
	rec := &db.StreamerRecord{
		Username:         key,
		DownloadsEnabled: true,
		Resolution:       "best",
		Title:            "Offline",
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	m.reg[key] = rec
	m.mu.Unlock()

	if err := db.UpsertStreamer(ctx, m.deps.DB, *rec); err != nil {
		m.mu.Lock()
		delete(m.reg, key)
		m.mu.Unlock()
		return Streamer{}, fmt.Errorf("persist streamer: %w", err)
	}

	// Best effort: channel id, imagery, and current live state.
	info := m.resolveChannel(ctx, key)
	if err := m.deps.Subs.AddSubscription(ctx, key, m.twitchID(key), false); err != nil {
		m.log.Warn("subscription for new streamer", slog.String("streamer", key), slog.Any("err", err))
	}
	if info != nil && info.IsLive {
		m.handleOnline(ctx, key, info.UserID)
	}

	m.log.Info("streamer added", slog.String("streamer", key))
	return m.Get(key)
}

// Remove tears a streamer down completely before returning: subscription
// deleted, capture stopped and exited, row removed, registry entry dropped.
func (m *Monitor) Remove(ctx context.Context, username string) error {
	key := strings.ToLower(username)
	m.mu.Lock()
	_, ok := m.reg[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if err := m.deps.Subs.RemoveSubscription(ctx, key); err != nil {
		m.log.Warn("remove subscription", slog.String("streamer", key), slog.Any("err", err))
	}
	if err := m.deps.Captures.Stop(ctx, key); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	m.deps.Captures.ClearTerminal(key)
	if err := db.DeleteStreamer(ctx, m.deps.DB, key); err != nil {
		// The streamer stays registered on this failure path, so it must keep
		// receiving transitions.
		if serr := m.deps.Subs.AddSubscription(ctx, key, m.twitchID(key), m.isLive(key)); serr != nil {
			m.log.Warn("restore subscription after failed delete",
				slog.String("streamer", key), slog.Any("err", serr))
		}
		return fmt.Errorf("delete streamer: %w", err)
	}

	m.mu.Lock()
	delete(m.reg, key)
	m.mu.Unlock()
	m.log.Info("streamer removed", slog.String("streamer", key))
	return nil
}

// UpdateSettings applies per-streamer setting changes and reconciles any
// running capture with the new settings.
func (m *Monitor) UpdateSettings(ctx context.Context, username string, req UpdateRequest) (Streamer, error) {
	key := strings.ToLower(username)
	if req.Resolution != nil && !validResolutions[*req.Resolution] {
		return Streamer{}, fmt.Errorf("%w: %q", ErrInvalidResolution, *req.Resolution)
	}

	m.mu.Lock()
	rec, ok := m.reg[key]
	if !ok {
		m.mu.Unlock()
		return Streamer{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if req.DownloadsEnabled != nil {
		rec.DownloadsEnabled = *req.DownloadsEnabled
	}
	if req.Resolution != nil {
		rec.Resolution = *req.Resolution
	}
	if req.StoragePath != nil {
		rec.StoragePath = *req.StoragePath
	}
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	if err := db.UpsertStreamer(ctx, m.deps.DB, snapshot); err != nil {
		return Streamer{}, fmt.Errorf("persist settings: %w", err)
	}

	if req.DownloadsEnabled != nil {
		if !*req.DownloadsEnabled {
			if err := m.deps.Captures.Stop(ctx, key); err != nil {
				m.log.Warn("stop capture after disable", slog.String("streamer", key), slog.Any("err", err))
			}
		} else if snapshot.IsLive {
			m.startCapture(ctx, snapshot)
		}
	}
	return toView(snapshot), nil
}

// RequestReconnect forces a fresh EventSub dial.
func (m *Monitor) RequestReconnect() {
	m.log.Info("manual reconnect requested")
	m.deps.Subs.Reconnect()
}

// Diagnostics aggregates component state for the operator endpoint.
type DiagnosticsReport struct {
	Streamers     int               `json:"streamers"`
	Live          int               `json:"live"`
	EventSub      eventsub.Status   `json:"eventsub"`
	Captures      []capture.JobInfo `json:"captures"`
	ActiveCaps    int               `json:"activeCaptures"`
	Observers     broadcast.Stats   `json:"observers"`
	Authenticated bool              `json:"authenticated"`
	TokenExpiry   time.Time         `json:"tokenExpiry,omitempty"`
	LastReconcile time.Time         `json:"lastReconcile,omitempty"`
}

// Diagnostics returns the aggregated component report.
func (m *Monitor) Diagnostics(ctx context.Context) DiagnosticsReport {
	m.mu.Lock()
	rep := DiagnosticsReport{Streamers: len(m.reg), LastReconcile: m.lastReconcile}
	for _, rec := range m.reg {
		if rec.IsLive {
			rep.Live++
		}
	}
	m.mu.Unlock()

	rep.EventSub = m.deps.Subs.Status()
	rep.Captures = m.deps.Captures.Snapshot()
	rep.ActiveCaps = m.deps.Captures.ActiveCount()
	if m.deps.Hub != nil {
		rep.Observers = m.deps.Hub.Stats()
	}
	if m.deps.Credentials != nil {
		rep.Authenticated, rep.TokenExpiry = m.deps.Credentials.Status(ctx)
	}
	return rep
}

// persist writes a registry entry through to Postgres. Failures are logged,
// not fatal; the next mutation retries.
func (m *Monitor) persist(ctx context.Context, rec db.StreamerRecord) {
	if err := db.UpsertStreamer(ctx, m.deps.DB, rec); err != nil {
		m.log.Error("persist streamer", slog.String("streamer", rec.Username), slog.Any("err", err))
	}
}
