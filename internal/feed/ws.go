package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
)

// WSSession wraps one dashboard websocket connection. gorilla/websocket
// allows a single concurrent writer, hence the mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// ServeWS pumps the live feed into a websocket connection until the client
// disconnects or ctx is cancelled. sinceID is the client's last rendered
// event id; earlier events are replayed so a reconnect never loses data.
func ServeWS(ctx context.Context, pub *Publisher, conn *websocket.Conn, sinceID int64, logger *slog.Logger) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	events, cancel, err := pub.Subscribe(ctx, sinceID)
	if err != nil {
		logger.Error("feed subscribe failed", "error", err)
		_ = conn.Close()
		return
	}
	defer cancel()
	defer conn.Close()

	sess := &WSSession{conn: conn}

	// drain reads so we notice the peer closing
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sess.Send(ev); err != nil {
				logger.Debug("ws send failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
