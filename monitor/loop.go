package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nazarein/streamwatch/capture"
	"github.com/nazarein/streamwatch/db"
	"github.com/nazarein/streamwatch/eventsub"
	"github.com/nazarein/streamwatch/telemetry"
	"github.com/nazarein/streamwatch/twitchapi"
)

// Run consumes live transitions and drives the periodic reconcile pass until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	telemetry.Init()
	ticker := time.NewTicker(m.deps.ReconcileInterval)
	defer ticker.Stop()

	// One initial pass so restarts converge without waiting a full interval.
	m.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.deps.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case eventsub.Online:
				m.handleOnline(ctx, ev.Streamer, ev.UserID)
			case eventsub.Offline:
				m.handleOffline(ctx, ev.Streamer)
			}
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// OnCaptureStatus is wired as the capture orchestrator's transition callback.
func (m *Monitor) OnCaptureStatus(streamer string, status capture.Status) {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	rec, ok := m.reg[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.DownloadStatus = string(status)
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.persist(ctx, snapshot)
	if m.deps.Hub != nil {
		m.deps.Hub.DownloadStatus(key, string(status))
	}
}

// handleOnline applies a live transition: flip state, restore the stashed
// title, notify observers, swap the subscription, and start capture when
// enabled.
func (m *Monitor) handleOnline(ctx context.Context, streamer, userID string) {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	rec, ok := m.reg[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasLive := rec.IsLive
	rec.IsLive = true
	if userID != "" && rec.TwitchID == "" {
		rec.TwitchID = userID
	}
	// The title stashed at the last offline transition is the best guess
	// until the next reconcile fetches the real one.
	if rec.LastTitle != "" && (rec.Title == "" || rec.Title == "Offline") {
		rec.Title = rec.LastTitle
	}
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	if wasLive {
		return
	}
	m.log.Info("streamer went live", slog.String("streamer", key))
	m.persist(ctx, snapshot)
	if m.deps.Hub != nil {
		m.deps.Hub.LiveStatus(key, true)
	}
	m.deps.Subs.SetLive(ctx, key, true)
	if snapshot.DownloadsEnabled {
		m.startCapture(ctx, snapshot)
	}
}

// handleOffline stashes the title, marks the streamer offline, and stops any
// running capture.
func (m *Monitor) handleOffline(ctx context.Context, streamer string) {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	rec, ok := m.reg[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasLive := rec.IsLive
	rec.IsLive = false
	if rec.Title != "" && rec.Title != "Offline" {
		rec.LastTitle = rec.Title
	}
	rec.Title = "Offline"
	if rec.OfflineImageURL != "" {
		rec.Thumbnail = rec.OfflineImageURL
	}
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	if !wasLive {
		return
	}
	m.log.Info("streamer went offline", slog.String("streamer", key))
	m.persist(ctx, snapshot)
	if m.deps.Hub != nil {
		m.deps.Hub.LiveStatus(key, false)
	}
	m.deps.Subs.SetLive(ctx, key, false)
	if err := m.deps.Captures.Stop(ctx, key); err != nil {
		m.log.Warn("stop capture after offline", slog.String("streamer", key), slog.Any("err", err))
	}
}

// startCapture launches a recording for a live streamer. Already-running and
// cooling-down jobs are expected outcomes, not failures.
func (m *Monitor) startCapture(ctx context.Context, rec db.StreamerRecord) {
	m.deps.Captures.ClearTerminal(rec.Username)
	req := capture.Request{
		Streamer:    rec.Username,
		Title:       rec.Title,
		Resolution:  rec.Resolution,
		StoragePath: rec.StoragePath,
	}
	if m.deps.Tokens != nil {
		tokCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if tok, err := m.deps.Tokens.Get(tokCtx); err == nil {
			req.AccessToken = tok
		}
		cancel()
	}
	err := m.deps.Captures.Start(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrAlreadyRunning), errors.Is(err, capture.ErrCoolingDown):
		m.log.Debug("capture start skipped", slog.String("streamer", rec.Username), slog.Any("reason", err))
	default:
		m.log.Error("capture start failed", slog.String("streamer", rec.Username), slog.Any("err", err))
	}
}

// fetchChannelInfo resolves channel state via GQL, falling back to the
// authenticated Helix API when GQL is unavailable.
func (m *Monitor) fetchChannelInfo(ctx context.Context, username string) (*twitchapi.ChannelInfo, error) {
	info, err := m.deps.Channels.GetChannelInfo(ctx, username)
	if err == nil {
		return info, nil
	}
	if m.deps.Fallback == nil {
		return nil, err
	}
	m.log.Debug("gql lookup failed, trying helix", slog.String("streamer", username), slog.Any("err", err))
	user, uerr := m.deps.Fallback.GetUser(ctx, username)
	if uerr != nil {
		return nil, fmt.Errorf("gql: %v; helix users: %w", err, uerr)
	}
	out := &twitchapi.ChannelInfo{
		UserID:          user.ID,
		Login:           user.Login,
		ProfileImageURL: user.ProfileImageURL,
		OfflineImageURL: user.OfflineImageURL,
	}
	stream, serr := m.deps.Fallback.GetStream(ctx, user.ID)
	if serr != nil {
		return nil, fmt.Errorf("gql: %v; helix streams: %w", err, serr)
	}
	if stream != nil {
		out.IsLive = true
		out.Title = stream.Title
		out.ThumbnailURL = helixThumbnail(stream.ThumbnailURL)
	}
	return out, nil
}

// helixThumbnail fills the size placeholders Helix leaves in preview URLs.
func helixThumbnail(url string) string {
	url = strings.Replace(url, "{width}", "640", 1)
	return strings.Replace(url, "{height}", "360", 1)
}

// resolveChannel fetches channel identity and imagery and folds it into the
// registry. Live-state transitions are left to handleOnline / handleOffline
// so broadcasts and capture control stay in one place.
func (m *Monitor) resolveChannel(ctx context.Context, username string) *twitchapi.ChannelInfo {
	gqlCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := m.fetchChannelInfo(gqlCtx, username)
	if err != nil {
		m.log.Warn("resolve channel", slog.String("streamer", username), slog.Any("err", err))
		return nil
	}
	m.mu.Lock()
	rec, ok := m.reg[username]
	if !ok {
		m.mu.Unlock()
		return info
	}
	rec.TwitchID = info.UserID
	rec.ProfileImageURL = info.ProfileImageURL
	rec.OfflineImageURL = info.OfflineImageURL
	if info.Title != "" {
		// Stash the current title; handleOnline promotes it when live.
		rec.LastTitle = info.Title
	}
	if info.IsLive {
		rec.Thumbnail = info.ThumbnailURL
	} else if info.OfflineImageURL != "" {
		rec.Thumbnail = info.OfflineImageURL
	}
	rec.UpdatedAt = time.Now().UTC()
	snapshot := *rec
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.deps.Subs.SetUserID(ctx, username, info.UserID)
	return info
}

// reconcile polls every channel and corrects drift: missed transitions while
// the socket was down, stale titles, and thumbnail refreshes for live
// channels.
func (m *Monitor) reconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.ReconcileCycles.Inc()
		telemetry.ReconcileDuration.Observe(time.Since(start).Seconds())
		m.mu.Lock()
		m.lastReconcile = time.Now().UTC()
		m.mu.Unlock()
	}()

	m.mu.Lock()
	keys := make([]string, 0, len(m.reg))
	for key := range m.reg {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		gqlCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		info, err := m.fetchChannelInfo(gqlCtx, key)
		cancel()
		if err != nil {
			m.log.Warn("reconcile channel", slog.String("streamer", key), slog.Any("err", err))
			continue
		}

		m.mu.Lock()
		rec, ok := m.reg[key]
		if !ok {
			m.mu.Unlock()
			continue
		}
		wasLive := rec.IsLive
		var resolvedID string
		if rec.TwitchID == "" && info.UserID != "" {
			rec.TwitchID = info.UserID
			resolvedID = info.UserID
		}
		rec.ProfileImageURL = info.ProfileImageURL
		rec.OfflineImageURL = info.OfflineImageURL

		var thumbChanged bool
		if info.IsLive {
			if info.Title != "" && rec.Title != info.Title {
				rec.Title = info.Title
			}
			// Twitch serves preview images from a CDN cache; a timestamp
			// query forces clients to refetch the current frame.
			thumb := cacheBust(info.ThumbnailURL, start)
			if thumb != rec.Thumbnail {
				rec.Thumbnail = thumb
				thumbChanged = true
			}
		}
		title := rec.Title
		thumbnail := rec.Thumbnail
		snapshot := *rec
		m.mu.Unlock()

		if resolvedID != "" {
			m.deps.Subs.SetUserID(ctx, key, resolvedID)
		}
		switch {
		case info.IsLive && !wasLive:
			m.handleOnline(ctx, key, info.UserID)
		case !info.IsLive && wasLive:
			m.handleOffline(ctx, key)
		default:
			m.persist(ctx, snapshot)
			if info.IsLive && thumbChanged && m.deps.Hub != nil {
				m.deps.Hub.ThumbnailUpdate(key, thumbnail, title)
			}
		}
	}
}

func cacheBust(url string, t time.Time) string {
	if url == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%st=%d", url, sep, t.Unix())
}
