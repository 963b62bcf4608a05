// Package room tracks which local connections are joined to which room.
//
// Rooms are process-local and never replicated; both participants of a
// match are expected to land on the same process (see the directed
// envelope path in the store for the one cross-process handshake).
package room

// Registry is owned by the hub loop and accessed from that single
// goroutine only.
type Registry struct {
	members map[string]map[string]struct{} // roomID -> set of connIDs
	byConn  map[string]string              // connID -> roomID
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]string),
	}
}

// Join places a connection in a room, leaving any prior room first. A
// connection belongs to at most one room at a time. Returns the room
// that was left, if any.
func (r *Registry) Join(connID, roomID string) (prev string) {
	prev, _ = r.Leave(connID)

	set := r.members[roomID]
	if set == nil {
		set = make(map[string]struct{})
		r.members[roomID] = set
	}
	set[connID] = struct{}{}
	r.byConn[connID] = roomID
	return prev
}

// Leave removes a connection from its room. The room entry is deleted
// when its last member leaves; an empty room never persists.
func (r *Registry) Leave(connID string) (roomID string, ok bool) {
	roomID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	set := r.members[roomID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, roomID)
	}
	return roomID, true
}

// Room reports which room a connection is in.
func (r *Registry) Room(connID string) (string, bool) {
	roomID, ok := r.byConn[connID]
	return roomID, ok
}

// Members returns the connection ids joined to a room.
func (r *Registry) Members(roomID string) []string {
	set := r.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Broadcast delivers a payload to every local member of a room except
// the optionally excluded sender.
func (r *Registry) Broadcast(roomID string, payload []byte, except string, send func(connID string, payload []byte)) {
	for id := range r.members[roomID] {
		if id == except {
			continue
		}
		send(id, payload)
	}
}

// Rooms returns the ids of all live rooms.
func (r *Registry) Rooms() []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}
