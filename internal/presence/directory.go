// Package presence tracks per-user online/offline/in-game status,
// replicated across processes through the store's presence namespace.
package presence

import (
	"time"

	"github.com/openscore/darts-live-backend/internal/store"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusInGame  Status = "in-game"
)

// Record is one user's presence. One record per email; never deleted,
// only overwritten, with last-write-wins resolution in the store. ConnID
// names the owning connection so a stale close handler cannot demote a
// user who already reconnected.
type Record struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	LastSeen      int64  `json:"lastSeen"` // unix milliseconds
	ConnID        string `json:"connId"`
	RoomID        string `json:"roomId,omitempty"`
	AllowSpectate bool   `json:"allowSpectate"`
}

type Directory struct {
	store *store.Store
	now   func() time.Time
}

func NewDirectory(s *store.Store) *Directory {
	return &Directory{store: s, now: time.Now}
}

// Identify binds a connection to a user key and upserts the record as
// online. The connection becomes the record's owner.
func (d *Directory) Identify(connID, email, name string, allowSpectate bool) Record {
	rec := Record{
		Email:         email,
		Name:          name,
		Status:        StatusOnline,
		LastSeen:      d.now().UnixMilli(),
		ConnID:        connID,
		AllowSpectate: allowSpectate,
	}
	d.put(rec)
	return rec
}

// SetStatus transitions a known user's status, keeping ownership and
// spectate preference. roomID is attached for in-game, cleared
// otherwise.
func (d *Directory) SetStatus(email string, status Status, roomID string) (Record, bool) {
	rec, ok := d.Get(email)
	if !ok {
		return Record{}, false
	}
	rec.Status = status
	rec.RoomID = roomID
	if status != StatusInGame {
		rec.RoomID = ""
	}
	rec.LastSeen = d.now().UnixMilli()
	d.put(rec)
	return rec, true
}

// Touch refreshes last-seen without changing status.
func (d *Directory) Touch(email string) {
	rec, ok := d.Get(email)
	if !ok {
		return
	}
	rec.LastSeen = d.now().UnixMilli()
	d.put(rec)
}

// Get returns the record for a user key.
func (d *Directory) Get(email string) (Record, bool) {
	var rec Record
	ok := d.store.Get(store.NSPresence, email, &rec)
	return rec, ok
}

// Disconnect transitions a user to offline, but only if connID still
// owns the record. A stale close handler racing a reconnect on a new
// connection leaves the newer record untouched.
func (d *Directory) Disconnect(connID, email string) bool {
	rec, ok := d.Get(email)
	if !ok || rec.ConnID != connID {
		return false
	}
	rec.Status = StatusOffline
	rec.RoomID = ""
	rec.LastSeen = d.now().UnixMilli()
	d.put(rec)
	return true
}

func (d *Directory) put(rec Record) {
	_ = d.store.Set(store.NSPresence, rec.Email, rec, store.PresenceTTL)
}
