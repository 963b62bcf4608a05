package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/hub"
)

const (
	writeTimeout = 3 * time.Second
	pingTimeout  = 10 * time.Second

	// The socket-level read limit sits above the hub's frame cap so an
	// oversized frame is dropped silently instead of killing the
	// connection with a close frame.
	readLimit = 4 * hub.MaxFrameBytes
)

func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(readLimit)

		reply := make(chan *hub.Conn, 1)
		h.Inbox() <- hub.Register{Reply: reply}
		c := <-reply
		defer func() { h.Inbox() <- hub.Unregister{ConnID: c.ID} }()

		// Writer goroutine: drains the outbox and serves ping requests.
		// A closed outbox is the hub terminating the connection.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case payload, ok := <-c.Outbox:
					if !ok {
						conn.Close(websocket.StatusGoingAway, "terminated")
						return
					}
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				case <-c.PingReq:
					ctx, cancel := context.WithTimeout(writeCtx, pingTimeout)
					err := conn.Ping(ctx)
					cancel()
					if err == nil {
						h.Inbox() <- hub.Pong{ConnID: c.ID}
					}
				case <-writeCtx.Done():
					return
				}
			}
		}()

		// Reader loop. Socket close is the only cancellation signal;
		// the deferred Unregister runs the full cleanup path.
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("socket read ended", zap.String("conn", c.ID), zap.Error(err))
				}
				return
			}
			h.Inbox() <- hub.Inbound{ConnID: c.ID, Data: data}
		}
	}
}
