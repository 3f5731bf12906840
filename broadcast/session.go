package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type sessionKind int

const (
	kindApp sessionKind = iota
	kindConsole
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the per-session outbound queue. A session that falls
	// this far behind is disconnected rather than stalling the hub.
	sendBufferSize = 256
)

// session is one observer connection.
type session struct {
	id   string
	kind sessionKind
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, kind sessionKind) *session {
	return &session{
		id:   uuid.NewString(),
		kind: kind,
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// readPump drains inbound frames. Observers never send application data; the
// read loop exists to service pongs and detect closure.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards queued messages to the socket and keeps the connection
// alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
