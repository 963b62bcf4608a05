package hub

import (
	"github.com/openscore/darts-live-backend/internal/ratelimit"
)

// Conn is the hub's view of one live WebSocket connection. The websocket
// layer owns the socket itself and drains Outbox and PingReq; everything
// else is touched only from the hub loop. Connections are process-local,
// never replicated, and die with the socket.
type Conn struct {
	ID string

	// Outbox carries marshalled frames to the writer goroutine. Closed
	// by the hub to terminate the connection.
	Outbox chan []byte

	// PingReq asks the writer goroutine to ping the peer; a pong comes
	// back into the hub as a Pong message.
	PingReq chan struct{}

	email     string
	name      string
	spectator bool
	alive     bool
	closed    bool
	bucket    *ratelimit.Bucket
}

// Identified reports whether the connection has bound a user identity.
func (c *Conn) Identified() bool { return c.email != "" }
