// Package lobby is the open-offer book and invite protocol: an offer is
// created Open, moves to Invited when someone asks to join, and ends
// Accepted (promoted to a room), Declined, Canceled, or expired by the
// creator's disconnect. Offers are replicated so every process serves
// the same lobby view.
package lobby

import (
	"errors"
	"sort"
	"time"

	"github.com/openscore/darts-live-backend/internal/store"
)

var ErrNotFound = errors.New("offer not found")
var ErrCalibrationRequired = errors.New("offer requires board calibration")
var ErrNotCreator = errors.New("only the creator may cancel an offer")

// premiumModes require an entitlement at creation and join time. The
// check itself goes through the external entitlement collaborator and is
// never cached past the single call.
var premiumModes = map[string]bool{
	"cricket":  true,
	"shanghai": true,
}

func ModeRequiresPremium(mode string) bool { return premiumModes[mode] }

// Offer is one open match posted to the lobby.
type Offer struct {
	ID                 string `json:"id"`
	Mode               string `json:"mode"`
	Rules              string `json:"rules"` // "best-of" | "first-to"
	Legs               int    `json:"legs"`
	StartingScore      int    `json:"startingScore"`
	RequireCalibration bool   `json:"requireCalibration"`
	CreatorEmail       string `json:"creatorEmail"`
	CreatorName        string `json:"creatorName"`
	CreatorConn        string `json:"creatorConn"`
	ToEmail            string `json:"toEmail,omitempty"` // friend match target, empty for open offers
	InvitedConn        string `json:"invitedConn,omitempty"`
	InvitedEmail       string `json:"invitedEmail,omitempty"`
	InvitedName        string `json:"invitedName,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
}

type Lobby struct {
	store *store.Store
	now   func() time.Time
}

func NewLobby(s *store.Store) *Lobby {
	return &Lobby{store: s, now: time.Now}
}

// Create stores a new offer. The caller assigns the id; it doubles as
// the room id if the offer is accepted.
func (l *Lobby) Create(offer Offer) Offer {
	offer.CreatedAt = l.now().UnixMilli()
	_ = l.store.Set(store.NSOffers, offer.ID, offer, 0)
	return offer
}

func (l *Lobby) Get(id string) (Offer, bool) {
	var o Offer
	ok := l.store.Get(store.NSOffers, id, &o)
	return o, ok
}

// Validate checks a join request against the offer's own requirements.
// The premium entitlement gate is the hub's asynchronous concern.
func (l *Lobby) Validate(offerID string, calibrated bool) (Offer, error) {
	o, ok := l.Get(offerID)
	if !ok {
		return Offer{}, ErrNotFound
	}
	if o.RequireCalibration && !calibrated {
		return Offer{}, ErrCalibrationRequired
	}
	return o, nil
}

// MarkInvited records the pending requester on the offer.
func (l *Lobby) MarkInvited(offerID, connID, email, name string) (Offer, bool) {
	o, ok := l.Get(offerID)
	if !ok {
		return Offer{}, false
	}
	o.InvitedConn = connID
	o.InvitedEmail = email
	o.InvitedName = name
	_ = l.store.Set(store.NSOffers, o.ID, o, 0)
	return o, true
}

// Cancel removes an offer on behalf of its creator.
func (l *Lobby) Cancel(offerID, creatorConn string) error {
	o, ok := l.Get(offerID)
	if !ok {
		return ErrNotFound
	}
	if o.CreatorConn != creatorConn {
		return ErrNotCreator
	}
	l.Remove(offerID)
	return nil
}

// Remove destroys an offer unconditionally (accept, decline, disconnect).
func (l *Lobby) Remove(offerID string) {
	l.store.Delete(store.NSOffers, offerID)
}

// Open returns the publicly listed offers, oldest first. Friend-match
// offers are directed at one user and stay off the list.
func (l *Lobby) Open() []Offer {
	var out []Offer
	for id := range l.store.Snapshot(store.NSOffers) {
		var o Offer
		if !l.store.Get(store.NSOffers, id, &o) {
			continue
		}
		if o.ToEmail != "" {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveByCreatorConn destroys every offer created by a closing local
// connection and returns the removed offers.
func (l *Lobby) RemoveByCreatorConn(connID string) []Offer {
	var removed []Offer
	for id := range l.store.Snapshot(store.NSOffers) {
		var o Offer
		if !l.store.Get(store.NSOffers, id, &o) {
			continue
		}
		if o.CreatorConn == connID {
			l.Remove(id)
			removed = append(removed, o)
		}
	}
	return removed
}
