// Package broadcast fans registry state changes out to connected WebSocket
// observers. App sessions receive a full snapshot on connect followed by
// deltas; console sessions receive the diagnostic log stream with a buffered
// replay window.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nazarein/streamwatch/telemetry"
)

// Push message types.
const (
	TypeInitialState    = "initial_state"
	TypeLiveStatus      = "live_status"
	TypeDownloadStatus  = "download_status"
	TypeThumbnailUpdate = "thumbnail_update"
	TypeLog             = "log"
)

// logBufferSize bounds the console replay window.
const logBufferSize = 1000

// Message is the wire envelope for every push event.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// LogRecord is one console log line.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// SnapshotFunc produces the initial_state payload for a newly connected app
// session. Set by the monitor before the hub starts serving.
type SnapshotFunc func() any

// Stats summarizes hub state for diagnostics.
type Stats struct {
	AppSessions     int `json:"appSessions"`
	ConsoleSessions int `json:"consoleSessions"`
	BufferedLogs    int `json:"bufferedLogs"`
}

type envelope struct {
	kind sessionKind
	data []byte
}

// Hub owns all observer sessions. A single goroutine serializes registration
// and fan-out, which guarantees every session sees its snapshot before any
// delta published afterwards.
type Hub struct {
	register   chan *session
	unregister chan *session
	outbound   chan envelope
	statsReq   chan chan Stats

	snapMu   sync.RWMutex
	snapshot SnapshotFunc

	logMu  sync.Mutex
	logBuf []LogRecord

	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub creates a hub. Run must be started before serving connections.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *session),
		unregister: make(chan *session),
		outbound:   make(chan envelope, 64),
		statsReq:   make(chan chan Stats),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The HTTP layer already applies CORS policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: slog.Default().With(slog.String("component", "broadcast")),
	}
}

// SetSnapshotProvider installs the initial_state payload source.
func (h *Hub) SetSnapshotProvider(fn SnapshotFunc) {
	h.snapMu.Lock()
	h.snapshot = fn
	h.snapMu.Unlock()
}

// Run processes registration and fan-out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	sessions := make(map[*session]bool)
	for {
		select {
		case <-ctx.Done():
			for s := range sessions {
				s.close()
			}
			return
		case s := <-h.register:
			sessions[s] = true
			h.onConnect(s)
			h.updateGauge(sessions)
		case s := <-h.unregister:
			if _, ok := sessions[s]; ok {
				delete(sessions, s)
				s.close()
				h.updateGauge(sessions)
			}
		case env := <-h.outbound:
			for s := range sessions {
				if s.kind != env.kind {
					continue
				}
				select {
				case s.send <- env.data:
				default:
					// Slow consumer: drop the session, never block the hub.
					delete(sessions, s)
					s.close()
					h.log.Warn("dropping slow observer session", slog.String("session", s.id))
					h.updateGauge(sessions)
				}
			}
		case reply := <-h.statsReq:
			st := Stats{BufferedLogs: h.bufferedLogs()}
			for s := range sessions {
				if s.kind == kindApp {
					st.AppSessions++
				} else {
					st.ConsoleSessions++
				}
			}
			reply <- st
		}
	}
}

// onConnect queues the connect-time payload: snapshot for app sessions,
// buffered log replay for console sessions. Runs inside the hub loop, so the
// payload always precedes any later broadcast.
func (h *Hub) onConnect(s *session) {
	switch s.kind {
	case kindApp:
		h.snapMu.RLock()
		fn := h.snapshot
		h.snapMu.RUnlock()
		var data any
		if fn != nil {
			data = fn()
		}
		if buf, err := marshalMessage(TypeInitialState, data); err == nil {
			s.send <- buf
		}
	case kindConsole:
		h.logMu.Lock()
		replay := make([]LogRecord, len(h.logBuf))
		copy(replay, h.logBuf)
		h.logMu.Unlock()
		for _, rec := range replay {
			buf, err := marshalMessage(TypeLog, rec)
			if err != nil {
				continue
			}
			select {
			case s.send <- buf:
			default:
				return
			}
		}
	}
}

func (h *Hub) updateGauge(sessions map[*session]bool) {
	telemetry.Init()
	telemetry.ObserverSessionsGauge.Set(float64(len(sessions)))
}

// Broadcast publishes an event to all app sessions. Ordering is preserved per
// session: one hub loop, one FIFO channel per destination.
func (h *Hub) Broadcast(eventType string, data any) {
	buf, err := marshalMessage(eventType, data)
	if err != nil {
		h.log.Error("marshal broadcast", slog.String("type", eventType), slog.Any("err", err))
		return
	}
	h.outbound <- envelope{kind: kindApp, data: buf}
}

// LiveStatus publishes a live/offline transition.
func (h *Hub) LiveStatus(streamer string, isLive bool) {
	h.Broadcast(TypeLiveStatus, map[string]any{"streamer": streamer, "isLive": isLive})
}

// DownloadStatus publishes a capture state change.
func (h *Hub) DownloadStatus(streamer, status string) {
	h.Broadcast(TypeDownloadStatus, map[string]any{"streamer": streamer, "status": status})
}

// ThumbnailUpdate publishes refreshed thumbnail and title for a live channel.
func (h *Hub) ThumbnailUpdate(streamer, thumbnail, title string) {
	h.Broadcast(TypeThumbnailUpdate, map[string]any{"streamer": streamer, "thumbnail": thumbnail, "title": title})
}

// Log appends a record to the replay buffer and streams it to console sessions.
func (h *Hub) Log(level, message string) {
	rec := LogRecord{Timestamp: time.Now().UTC(), Level: level, Message: message}
	h.logMu.Lock()
	h.logBuf = append(h.logBuf, rec)
	if len(h.logBuf) > logBufferSize {
		h.logBuf = h.logBuf[len(h.logBuf)-logBufferSize:]
	}
	h.logMu.Unlock()

	buf, err := marshalMessage(TypeLog, rec)
	if err != nil {
		return
	}
	// Non-blocking: log lines are droppable and the hub loop may not be
	// running yet when early startup messages arrive.
	select {
	case h.outbound <- envelope{kind: kindConsole, data: buf}:
	default:
	}
}

func (h *Hub) bufferedLogs() int {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	return len(h.logBuf)
}

// Stats returns current session counts. Blocks until the hub loop answers.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	h.statsReq <- reply
	return <-reply
}

// ServeApp upgrades an app observer connection.
func (h *Hub) ServeApp(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, kindApp)
}

// ServeConsole upgrades a console (log stream) observer connection.
func (h *Hub) ServeConsole(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, kindConsole)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, kind sessionKind) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	s := newSession(h, conn, kind)
	h.register <- s
	go s.writePump()
	go s.readPump()
}

func marshalMessage(eventType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
}
