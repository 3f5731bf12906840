// Package eventsub maintains the Twitch EventSub WebSocket connection and the
// per-streamer subscription set. Live/offline notifications are decoded and
// handed to the monitor over a channel; the connection is supervised with
// keepalive timeouts, exponential backoff, and credential-aware suspension.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nazarein/streamwatch/telemetry"
	"github.com/nazarein/streamwatch/twitchapi"
)

// Connection states exposed through Status.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Subscription types used against the Helix EventSub API.
const (
	subTypeOnline  = "stream.online"
	subTypeOffline = "stream.offline"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// EventKind distinguishes the two stream transitions.
type EventKind string

const (
	Online  EventKind = "online"
	Offline EventKind = "offline"
)

// Event is one decoded stream transition.
type Event struct {
	Kind     EventKind
	Streamer string
	UserID   string
}

// SubscriptionInfo describes one tracked streamer for diagnostics.
type SubscriptionInfo struct {
	Streamer string `json:"streamer"`
	UserID   string `json:"userId"`
	Type     string `json:"type"`
	Remote   bool   `json:"remote"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State         State              `json:"state"`
	SessionID     string             `json:"sessionId,omitempty"`
	Attempts      int                `json:"attempts"`
	TokenValid    bool               `json:"tokenValid"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

type registration struct {
	streamer string
	userID   string
	live     bool
	subID    string
	subType  string
}

// Options configures a Manager.
type Options struct {
	WSURL            string
	KeepaliveTimeout time.Duration
	MaxRetries       int
}

// Manager owns the EventSub socket and subscription registry.
type Manager struct {
	wsURL      string
	keepalive  time.Duration
	maxRetries int
	api        *twitchapi.EventSubClient
	log        *slog.Logger

	events chan Event

	mu         sync.Mutex
	state      State
	sessionID  string
	attempts   int
	tokenValid bool
	regs       map[string]*registration

	wake  chan struct{}
	force chan struct{}
}

// NewManager creates a manager. Run must be started for events to flow.
func NewManager(opts Options, api *twitchapi.EventSubClient) *Manager {
	if opts.WSURL == "" {
		opts.WSURL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if opts.KeepaliveTimeout <= 0 {
		opts.KeepaliveTimeout = 70 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 15
	}
	return &Manager{
		wsURL:      opts.WSURL,
		keepalive:  opts.KeepaliveTimeout,
		maxRetries: opts.MaxRetries,
		api:        api,
		log:        slog.Default().With(slog.String("component", "eventsub")),
		events:     make(chan Event, 64),
		state:      StateDisconnected,
		tokenValid: true,
		regs:       make(map[string]*registration),
		wake:       make(chan struct{}, 1),
		force:      make(chan struct{}, 1),
	}
}

// Events returns the stream transition channel consumed by the monitor.
func (m *Manager) Events() <-chan Event { return m.events }

func desiredSubType(live bool) string {
	if live {
		return subTypeOffline
	}
	return subTypeOnline
}

// AddSubscription registers a streamer. Idempotent; when the socket is down
// the registration is queued and created on the next session_welcome.
func (m *Manager) AddSubscription(ctx context.Context, streamer, userID string, live bool) error {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	if reg, ok := m.regs[key]; ok {
		if userID != "" {
			reg.userID = userID
		}
		m.mu.Unlock()
		return nil
	}
	reg := &registration{streamer: key, userID: userID, live: live}
	m.regs[key] = reg
	session := m.sessionID
	m.mu.Unlock()

	if session == "" || userID == "" {
		return nil
	}
	m.subscribe(ctx, key, session)
	return nil
}

// SetUserID fills in a broadcaster id resolved after registration.
func (m *Manager) SetUserID(ctx context.Context, streamer, userID string) {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	reg, ok := m.regs[key]
	if !ok || userID == "" {
		m.mu.Unlock()
		return
	}
	reg.userID = userID
	session := m.sessionID
	hasSub := reg.subID != ""
	m.mu.Unlock()
	if session != "" && !hasSub {
		m.subscribe(ctx, key, session)
	}
}

// RemoveSubscription deletes the remote subscription and drops local
// tracking. Idempotent: unknown streamers and already-deleted remote
// subscriptions are not errors.
func (m *Manager) RemoveSubscription(ctx context.Context, streamer string) error {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	reg, ok := m.regs[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.regs, key)
	subID := reg.subID
	m.mu.Unlock()

	if subID == "" {
		return nil
	}
	if err := m.api.DeleteSubscription(ctx, subID); err != nil {
		if errors.Is(err, twitchapi.ErrUnauthorized) {
			m.credentialRejected()
		}
		// Local tracking is already gone; the remote record dies with the
		// session at the latest.
		m.log.Warn("delete subscription failed", slog.String("streamer", key), slog.Any("err", err))
	}
	return nil
}

// SetLive swaps the subscription type after a live transition: offline
// streamers carry stream.online, live streamers stream.offline. No-op when
// the registration already matches.
func (m *Manager) SetLive(ctx context.Context, streamer string, live bool) {
	key := strings.ToLower(streamer)
	m.mu.Lock()
	reg, ok := m.regs[key]
	if !ok || reg.live == live {
		m.mu.Unlock()
		return
	}
	reg.live = live
	oldSub := reg.subID
	reg.subID = ""
	reg.subType = ""
	session := m.sessionID
	m.mu.Unlock()

	if session == "" {
		return
	}
	if oldSub != "" {
		if err := m.api.DeleteSubscription(ctx, oldSub); err != nil {
			m.log.Warn("delete stale subscription failed", slog.String("streamer", key), slog.Any("err", err))
		}
	}
	m.subscribe(ctx, key, session)
}

// subscribe creates the remote subscription matching a registration's desired
// type. Errors are logged; a rejected credential suspends the manager.
func (m *Manager) subscribe(ctx context.Context, key, session string) {
	m.mu.Lock()
	reg, ok := m.regs[key]
	if !ok || reg.userID == "" {
		m.mu.Unlock()
		return
	}
	subType := desiredSubType(reg.live)
	userID := reg.userID
	m.mu.Unlock()

	id, err := m.api.CreateSubscription(ctx, subType, userID, session)
	if err != nil {
		if errors.Is(err, twitchapi.ErrUnauthorized) {
			m.credentialRejected()
		}
		m.log.Warn("create subscription failed",
			slog.String("streamer", key), slog.String("type", subType), slog.Any("err", err))
		return
	}
	m.mu.Lock()
	if reg, ok := m.regs[key]; ok {
		reg.subID = id
		reg.subType = subType
	}
	m.mu.Unlock()
	m.log.Debug("subscription created", slog.String("streamer", key), slog.String("type", subType))
}

// Status reports connection state and the tracked subscription set.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		SessionID:  m.sessionID,
		Attempts:   m.attempts,
		TokenValid: m.tokenValid,
	}
	for _, reg := range m.regs {
		st.Subscriptions = append(st.Subscriptions, SubscriptionInfo{
			Streamer: reg.streamer,
			UserID:   reg.userID,
			Type:     desiredSubType(reg.live),
			Remote:   reg.subID != "",
		})
	}
	return st
}

// Reconnect resets the attempt counter and forces a fresh dial. Used by the
// operator-facing reconnect endpoint.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.attempts = 0
	m.tokenValid = true
	m.mu.Unlock()
	m.signal(m.wake)
	m.signal(m.force)
}

// HandleTokenRefresh is wired to credstore.OnRefresh. An empty token suspends
// subscription activity; a fresh one resumes a suspended manager without
// touching a healthy connection.
func (m *Manager) HandleTokenRefresh(access string) {
	m.mu.Lock()
	valid := access != ""
	m.tokenValid = valid
	if valid {
		m.attempts = 0
	}
	m.mu.Unlock()
	if valid {
		m.signal(m.wake)
	} else {
		m.signal(m.force)
	}
}

func (m *Manager) credentialRejected() {
	m.mu.Lock()
	m.tokenValid = false
	m.mu.Unlock()
	m.signal(m.force)
}

func (m *Manager) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	if s != StateConnected {
		m.sessionID = ""
	}
	m.mu.Unlock()
	telemetry.SetEventSubConnected(s == StateConnected)
}

func (m *Manager) credentialOK() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenValid
}

// Run supervises the connection until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	telemetry.Init()
	dialURL := m.wsURL
	for ctx.Err() == nil {
		if !m.credentialOK() {
			m.setState(StateDisconnected)
			if !m.waitWake(ctx) {
				return
			}
			dialURL = m.wsURL
			continue
		}
		m.setState(StateConnecting)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			m.log.Warn("eventsub dial failed", slog.String("url", dialURL), slog.Any("err", err))
			dialURL = m.wsURL
			if !m.backoff(ctx) {
				return
			}
			continue
		}

		nextURL, serveErr := m.serve(ctx, conn)
		conn.Close()
		m.setState(StateReconnecting)
		if ctx.Err() != nil {
			return
		}
		if nextURL != "" {
			// Twitch-directed migration: dial the supplied URL immediately.
			dialURL = nextURL
			continue
		}
		dialURL = m.wsURL
		telemetry.EventSubReconnects.Inc()
		if serveErr != nil && errors.Is(serveErr, twitchapi.ErrUnauthorized) {
			m.credentialRejected()
			continue
		}
		if !m.backoff(ctx) {
			return
		}
	}
}

// backoff sleeps with exponential backoff and jitter. Returns false when ctx
// is done. Hitting the retry ceiling parks the manager in Disconnected until
// a wake signal (credential refresh or manual reconnect).
func (m *Manager) backoff(ctx context.Context) bool {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	if attempts > m.maxRetries {
		m.log.Error("eventsub retry ceiling reached, suspending", slog.Int("attempts", attempts-1))
		m.setState(StateDisconnected)
		return m.waitWake(ctx)
	}

	delay := backoffBase << uint(attempts-1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	//nolint:gosec // G404: jitter only
	jitter := time.Duration(rand.Int63n(int64(delay / 5)))
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		return true
	case <-time.After(delay + jitter):
		return true
	}
}

func (m *Manager) waitWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		return true
	}
}

type wsEnvelope struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		Type                 string `json:"type"`
	} `json:"event"`
}

type wsMessage struct {
	env wsEnvelope
	err error
}

// serve drives one established connection. Returns a reconnect URL when
// Twitch requested a session migration, otherwise the read error that ended
// the connection.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) (string, error) {
	msgs := make(chan wsMessage)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(msgs)
		for {
			// Any inbound frame, keepalives included, refreshes the deadline.
			_ = conn.SetReadDeadline(time.Now().Add(m.keepalive))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case msgs <- wsMessage{err: err}:
				case <-done:
				}
				return
			}
			var env wsEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				m.log.Warn("undecodable eventsub frame", slog.Any("err", err))
				continue
			}
			select {
			case msgs <- wsMessage{env: env}:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-m.force:
			return "", fmt.Errorf("reconnect requested")
		case msg, ok := <-msgs:
			if !ok {
				return "", fmt.Errorf("read loop closed")
			}
			if msg.err != nil {
				return "", msg.err
			}
			switch msg.env.Metadata.MessageType {
			case "session_welcome":
				var p sessionPayload
				if err := json.Unmarshal(msg.env.Payload, &p); err != nil {
					return "", fmt.Errorf("decode welcome: %w", err)
				}
				m.onWelcome(ctx, p.Session.ID)
			case "session_keepalive":
				// Deadline already refreshed by the read.
			case "session_reconnect":
				var p sessionPayload
				if err := json.Unmarshal(msg.env.Payload, &p); err != nil {
					return "", fmt.Errorf("decode reconnect: %w", err)
				}
				m.log.Info("eventsub session migration requested")
				return p.Session.ReconnectURL, nil
			case "notification":
				m.onNotification(ctx, msg.env.Payload)
			case "revocation":
				m.onRevocation(msg.env.Payload)
			default:
				m.log.Debug("ignoring eventsub frame", slog.String("type", msg.env.Metadata.MessageType))
			}
		}
	}
}

// onWelcome records the session id and re-creates every registered
// subscription under it. WebSocket-transport subscriptions do not survive the
// previous session, so each welcome starts from a clean slate.
func (m *Manager) onWelcome(ctx context.Context, sessionID string) {
	m.mu.Lock()
	m.state = StateConnected
	m.sessionID = sessionID
	m.attempts = 0
	keys := make([]string, 0, len(m.regs))
	for key, reg := range m.regs {
		reg.subID = ""
		reg.subType = ""
		keys = append(keys, key)
	}
	m.mu.Unlock()
	telemetry.SetEventSubConnected(true)
	m.log.Info("eventsub session established", slog.Int("subscriptions", len(keys)))

	for _, key := range keys {
		m.subscribe(ctx, key, sessionID)
	}
}

func (m *Manager) onNotification(ctx context.Context, payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.log.Warn("undecodable notification", slog.Any("err", err))
		return
	}
	var kind EventKind
	switch p.Subscription.Type {
	case subTypeOnline:
		// Reruns and premieres also fire stream.online; only real broadcasts count.
		if p.Event.Type != "" && p.Event.Type != "live" {
			return
		}
		kind = Online
	case subTypeOffline:
		kind = Offline
	default:
		return
	}
	telemetry.EventsReceived.Inc()

	streamer := strings.ToLower(p.Event.BroadcasterUserLogin)
	// Swap the subscription for the opposite transition.
	go m.SetLive(ctx, streamer, kind == Online)

	ev := Event{Kind: kind, Streamer: streamer, UserID: p.Event.BroadcasterUserID}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// onRevocation drops local tracking for the revoked subscription. The next
// reconcile pass or manual reconnect re-creates it.
func (m *Manager) onRevocation(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	for _, reg := range m.regs {
		if reg.subID == p.Subscription.ID {
			reg.subID = ""
			reg.subType = ""
			m.log.Warn("subscription revoked", slog.String("streamer", reg.streamer))
			break
		}
	}
	m.mu.Unlock()
}
