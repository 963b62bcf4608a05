// Package store is the replicated key-value layer shared by every
// worker process. Writes land in the local cache immediately and are
// fanned out to the other processes as change envelopes over a Redis
// pub/sub channel; each process applies incoming envelopes to its own
// cache. Consistency is eventual, last-write-wins for presence and
// unconditional overwrite for everything else — all of the data here is
// soft and re-derivable.
package store

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type Namespace string

const (
	NSPresence    Namespace = "presence"
	NSOffers      Namespace = "offers"
	NSTournaments Namespace = "tournaments"
	NSCameras     Namespace = "cameras"

	// nsDirect carries targeted payloads, not cache mutations.
	nsDirect Namespace = "direct"
)

// Default TTLs for the two TTL-bound namespaces. TTL is enforced by
// each process's local sweep, not centrally coordinated.
const (
	CameraTTL   = 2 * time.Minute
	PresenceTTL = time.Hour
)

// Envelope is the replication unit published on the shared channel.
// A nil Value is a tombstone. Target marks a directed payload: it is
// never applied to any cache, and only the process locally holding the
// target connection delivers it.
type Envelope struct {
	Namespace Namespace       `json:"ns"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	TS        int64           `json:"ts"` // unix milliseconds at the writer
	Seq       uint64          `json:"seq"`
	Origin    string          `json:"origin"`
	TTLSec    int64           `json:"ttlSec,omitempty"`
	Target    string          `json:"target,omitempty"`
}

// Directed reports whether the envelope is a targeted delivery rather
// than a cache mutation.
func (e Envelope) Directed() bool { return e.Target != "" }

type entry struct {
	value   json.RawMessage
	ts      int64
	seq     uint64
	origin  string
	expires time.Time // zero means no TTL
}

// Store's cache maps are only ever touched from the hub loop; the
// publisher and subscriber goroutines communicate with it exclusively
// through channels.
type Store struct {
	origin  string
	seq     uint64
	caches  map[Namespace]map[string]entry
	log     *zap.Logger
	now     func() time.Time
	pub     chan Envelope
	events  chan Envelope
	offline bool
}

func New(log *zap.Logger, origin string) *Store {
	return &Store{
		origin:  origin,
		caches:  make(map[Namespace]map[string]entry),
		log:     log,
		now:     time.Now,
		pub:     make(chan Envelope, 256),
		events:  make(chan Envelope, 256),
		offline: true, // until a transport is attached via Run
	}
}

// Origin is this process's replication identity.
func (s *Store) Origin() string { return s.origin }

// SetClock overrides the time source; tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Events yields envelopes received from other processes. The hub loop
// consumes this and routes each to Apply or to directed delivery.
func (s *Store) Events() <-chan Envelope { return s.events }

// Set writes locally and publishes the change. ttl of zero means no
// expiry. The originating process observes its own write immediately.
func (s *Store) Set(ns Namespace, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.seq++
	now := s.now()
	e := entry{value: raw, ts: now.UnixMilli(), seq: s.seq, origin: s.origin}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.cache(ns)[key] = e

	s.publish(Envelope{
		Namespace: ns,
		Key:       key,
		Value:     raw,
		TS:        e.ts,
		Seq:       e.seq,
		Origin:    s.origin,
		TTLSec:    int64(ttl / time.Second),
	})
	return nil
}

// Delete removes locally and publishes a tombstone.
func (s *Store) Delete(ns Namespace, key string) {
	delete(s.cache(ns), key)
	s.seq++
	s.publish(Envelope{
		Namespace: ns,
		Key:       key,
		TS:        s.now().UnixMilli(),
		Seq:       s.seq,
		Origin:    s.origin,
	})
}

// Get unmarshals the live value for key into out. Expired entries are
// treated as absent.
func (s *Store) Get(ns Namespace, key string, out any) bool {
	e, ok := s.cache(ns)[key]
	if !ok || s.expired(e) {
		return false
	}
	return json.Unmarshal(e.value, out) == nil
}

// GetStale is Get without the expiry filter. The second return reports
// whether the entry has outlived its TTL; the camera relay uses this to
// tell an expired code apart from one that never existed.
func (s *Store) GetStale(ns Namespace, key string, out any) (expired, ok bool) {
	e, ok := s.cache(ns)[key]
	if !ok {
		return false, false
	}
	if err := json.Unmarshal(e.value, out); err != nil {
		return false, false
	}
	return s.expired(e), true
}

// Snapshot returns the live values of a namespace.
func (s *Store) Snapshot(ns Namespace) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for k, e := range s.cache(ns) {
		if s.expired(e) {
			continue
		}
		out[k] = e.value
	}
	return out
}

// Apply merges a replicated envelope into the local cache. Presence is
// last-write-wins on (timestamp, sequence, origin); the other
// namespaces are overwrite-or-delete without arbitration because their
// writers are singular per key. Own-origin and directed envelopes are
// never applied.
func (s *Store) Apply(env Envelope) bool {
	if env.Origin == s.origin || env.Directed() {
		return false
	}

	c := s.cache(env.Namespace)
	if env.Namespace == NSPresence {
		if cur, ok := c[env.Key]; ok && !newer(env, cur) {
			return false
		}
	}

	if env.Value == nil {
		delete(c, env.Key)
		return true
	}

	e := entry{value: env.Value, ts: env.TS, seq: env.Seq, origin: env.Origin}
	if env.TTLSec > 0 {
		e.expires = s.now().Add(time.Duration(env.TTLSec) * time.Second)
	}
	c[env.Key] = e
	return true
}

// newer implements the LWW rule: strictly newer timestamp wins; equal
// timestamps fall back to the per-process sequence, then origin id, so
// every process resolves the same winner.
func newer(env Envelope, cur entry) bool {
	if env.TS != cur.ts {
		return env.TS > cur.ts
	}
	if env.Seq != cur.seq {
		return env.Seq > cur.seq
	}
	return env.Origin > cur.origin
}

// BroadcastTarget addresses a directed envelope at every connection on
// every process rather than one connection.
const BroadcastTarget = "*"

// SendBroadcast publishes a payload every process delivers to all of
// its local connections.
func (s *Store) SendBroadcast(payload []byte) {
	s.SendDirected(BroadcastTarget, payload)
}

// SendDirected publishes a targeted payload for a connection that may
// live on any process. Each process checks whether it holds the target;
// this message amplification buys us not maintaining a
// connection-location directory.
func (s *Store) SendDirected(targetConnID string, payload []byte) {
	s.seq++
	s.publish(Envelope{
		Namespace: nsDirect,
		Value:     payload,
		TS:        s.now().UnixMilli(),
		Seq:       s.seq,
		Origin:    s.origin,
		Target:    targetConnID,
	})
}

// SweepExpired drops entries that outlived their TTL. Runs on a hub
// tick; a process partitioned longer than a TTL may briefly serve a
// stale absence, which is acceptable for this soft state.
func (s *Store) SweepExpired() int {
	removed := 0
	for _, c := range s.caches {
		for k, e := range c {
			if s.expired(e) {
				delete(c, k)
				removed++
			}
		}
	}
	return removed
}

// Receive enqueues an envelope arriving from the replication channel.
// Own-origin envelopes are filtered out here; the local cache already
// saw that write.
func (s *Store) Receive(env Envelope) bool {
	if env.Origin == s.origin {
		return false
	}
	select {
	case s.events <- env:
		return true
	default:
		s.log.Warn("replication inbox full, dropping envelope",
			zap.String("ns", string(env.Namespace)), zap.String("key", env.Key))
		return false
	}
}

// Offline reports whether the store is running without a replication
// transport (purely local state, no cross-process visibility).
func (s *Store) Offline() bool { return s.offline }

func (s *Store) cache(ns Namespace) map[string]entry {
	c, ok := s.caches[ns]
	if !ok {
		c = make(map[string]entry)
		s.caches[ns] = c
	}
	return c
}

func (s *Store) expired(e entry) bool {
	return !e.expires.IsZero() && s.now().After(e.expires)
}

func (s *Store) publish(env Envelope) {
	if s.offline {
		return
	}
	select {
	case s.pub <- env:
	default:
		s.log.Warn("replication outbox full, dropping envelope",
			zap.String("ns", string(env.Namespace)), zap.String("key", env.Key))
	}
}
