// Package camera pairs two connections for WebRTC signaling. A host
// creates a short-lived 4-character code, a joiner redeems it, and the
// relay forwards offer/answer/ICE payloads between the two until the
// session expires or either peer disconnects.
package camera

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/openscore/darts-live-backend/internal/protocol"
	"github.com/openscore/darts-live-backend/internal/store"
)

var ErrInvalidCode = errors.New("no session for code")
var ErrExpired = errors.New("session expired")
var ErrFull = errors.New("session already has a joiner")
var ErrNoPeer = errors.New("no peer to relay to")

// codeAlphabet drops I and O; they read as 1 and 0 on a phone screen.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"

const codeLen = 4

// Session binds a host and (once joined) a joiner connection. TTL-bound
// in the store; a session nobody joined simply ages out.
type Session struct {
	Code       string `json:"code"`
	HostConn   string `json:"hostConn"`
	JoinerConn string `json:"joinerConn,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type Relay struct {
	store *store.Store
	now   func() time.Time
}

func NewRelay(s *store.Store) *Relay {
	return &Relay{store: s, now: time.Now}
}

// CreateCode issues a fresh code for a host, retrying on collision with
// a live session.
func (r *Relay) CreateCode(hostConn string) (Session, error) {
	for attempt := 0; attempt < 32; attempt++ {
		code, err := generateCode()
		if err != nil {
			return Session{}, err
		}
		var existing Session
		if r.store.Get(store.NSCameras, code, &existing) {
			continue
		}
		sess := Session{Code: code, HostConn: hostConn, CreatedAt: r.now().UnixMilli()}
		if err := r.store.Set(store.NSCameras, code, sess, store.CameraTTL); err != nil {
			return Session{}, err
		}
		return sess, nil
	}
	return Session{}, errors.New("could not generate a free code")
}

// Join binds the joiner side of a session. An expired code is reported
// as such; a code that never existed (or was already swept) as invalid.
func (r *Relay) Join(code, joinerConn string) (Session, error) {
	var sess Session
	expired, ok := r.store.GetStale(store.NSCameras, code, &sess)
	if !ok {
		return Session{}, ErrInvalidCode
	}
	if expired {
		return Session{}, ErrExpired
	}
	if sess.JoinerConn != "" && sess.JoinerConn != joinerConn {
		return Session{}, ErrFull
	}
	sess.JoinerConn = joinerConn
	if err := r.store.Set(store.NSCameras, code, sess, store.CameraTTL); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ResolveTarget picks the peer a signaling payload goes to: an offer
// always targets the joiner, an answer always targets the host, an ICE
// candidate targets whichever peer did not send it.
func (r *Relay) ResolveTarget(code string, kind protocol.SignalKind, fromConn string) (string, error) {
	var sess Session
	expired, ok := r.store.GetStale(store.NSCameras, code, &sess)
	if !ok {
		return "", ErrInvalidCode
	}
	if expired {
		return "", ErrExpired
	}

	var target string
	switch kind {
	case protocol.SignalOffer:
		target = sess.JoinerConn
	case protocol.SignalAnswer:
		target = sess.HostConn
	case protocol.SignalICE:
		if fromConn == sess.HostConn {
			target = sess.JoinerConn
		} else {
			target = sess.HostConn
		}
	}
	if target == "" {
		return "", ErrNoPeer
	}
	return target, nil
}

// CleanupConn deletes every session referencing a closing connection.
// Idempotent with the TTL sweep; whichever fires first wins.
func (r *Relay) CleanupConn(connID string) []Session {
	var removed []Session
	for code := range r.store.Snapshot(store.NSCameras) {
		var sess Session
		if !r.store.Get(store.NSCameras, code, &sess) {
			continue
		}
		if sess.HostConn == connID || sess.JoinerConn == connID {
			r.store.Delete(store.NSCameras, code)
			removed = append(removed, sess)
		}
	}
	return removed
}

func generateCode() (string, error) {
	code := make([]byte, codeLen)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}
