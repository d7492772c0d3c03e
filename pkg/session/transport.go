package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/Iivinh/chat-realtime/pkg/fanout"
)

const (
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second // under pongWait so pongs arrive in time
	writeWait    = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// Run drives the session over a websocket connection until the transport
// closes: it subscribes the connection's delivery subject, starts the write
// pump, and reads inbound frames on the calling goroutine. Cleanup (fan-out
// unsubscribe, presence unregister, transition to Closed) is deferred so it
// runs even when the transport dies abruptly.
func (s *Session) Run(ctx context.Context, conn *websocket.Conn, nc *nats.Conn) {
	sub, err := nc.Subscribe(fanout.Subject(s.id), func(msg *nats.Msg) {
		s.Push(msg.Data)
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to subscribe delivery subject", "conn", s.id, "error", err)
		conn.Close()
		return
	}

	defer func() {
		sub.Unsubscribe()
		// fresh context: teardown must complete even if ctx is already gone
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			slog.Warn("Session cleanup failed", "conn", s.id, "error", err)
		}
		conn.Close()
		slog.Info("Session closed", "conn", s.id, "user", s.User())
	}()

	go s.writePump(conn)
	s.readPump(ctx, conn)
}

func (s *Session) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "Unexpected websocket error", "conn", s.id, "error", err)
			} else {
				slog.DebugContext(ctx, "Client disconnected", "conn", s.id, "error", err)
			}
			return
		}

		if err := s.HandleFrame(ctx, data); err != nil {
			// rejected frames are dropped, the connection stays up
			slog.WarnContext(ctx, "Rejected client frame", "conn", s.id, "error", err)
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			// unblocks the read pump when the close came from this side
			conn.Close()
			return
		case data := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Write failed, closing", "conn", s.id, "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
