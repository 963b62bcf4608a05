// Package tourney holds tournament records and the time-window
// evaluator that advances them. Status only ever moves forward:
// scheduled → running → completed.
package tourney

import (
	"errors"
	"sort"
	"time"

	"github.com/openscore/darts-live-backend/internal/store"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Minimum participants required at start time.
const (
	MinPlayersOfficial = 8
	MinPlayersCasual   = 2
)

var ErrNotFound = errors.New("tournament not found")
var ErrAlreadyStarted = errors.New("tournament already started")
var ErrForbidden = errors.New("not the tournament creator")
var ErrFull = errors.New("tournament is full")

type Participant struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Tournament struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Mode         string        `json:"mode"`
	StartTime    time.Time     `json:"startTime"`
	CheckinMins  int           `json:"checkinMins"`
	Capacity     int           `json:"capacity"` // 0 means unlimited
	Official     bool          `json:"official"`
	CreatedBy    string        `json:"createdBy"`
	Participants []Participant `json:"participants"`
	Status       Status        `json:"status"`
	Winner       string        `json:"winner,omitempty"`
	Prize        string        `json:"prize,omitempty"`
	ReminderSent bool          `json:"reminderSent"`
	CreatedAt    int64         `json:"createdAt"`
}

func (t Tournament) minPlayers() int {
	if t.Official {
		return MinPlayersOfficial
	}
	return MinPlayersCasual
}

type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(s *store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// Create stores a new scheduled tournament.
func (s *Service) Create(t Tournament) Tournament {
	t.Status = StatusScheduled
	t.ReminderSent = false
	t.CreatedAt = s.now().UnixMilli()
	if t.CheckinMins <= 0 {
		t.CheckinMins = 15
	}
	s.put(t)
	return t
}

// Put overwrites a record as-is; used when seeding the cache from the
// persistence service at startup.
func (s *Service) Put(t Tournament) { s.put(t) }

func (s *Service) Get(id string) (Tournament, bool) {
	var t Tournament
	ok := s.store.Get(store.NSTournaments, id, &t)
	return t, ok
}

// Join adds a participant while the tournament is still scheduled.
// Joining twice is idempotent.
func (s *Service) Join(id, email, name string) (Tournament, error) {
	t, ok := s.Get(id)
	if !ok {
		return Tournament{}, ErrNotFound
	}
	if t.Status != StatusScheduled {
		return Tournament{}, ErrAlreadyStarted
	}
	for _, p := range t.Participants {
		if p.Email == email {
			return t, nil
		}
	}
	if t.Capacity > 0 && len(t.Participants) >= t.Capacity {
		return Tournament{}, ErrFull
	}
	t.Participants = append(t.Participants, Participant{Email: email, Name: name})
	s.put(t)
	return t, nil
}

// SetWinner completes a tournament. Creator only.
func (s *Service) SetWinner(id, byEmail, winner string) (Tournament, error) {
	t, ok := s.Get(id)
	if !ok {
		return Tournament{}, ErrNotFound
	}
	if t.CreatedBy != byEmail {
		return Tournament{}, ErrForbidden
	}
	t.Winner = winner
	t.Status = StatusCompleted
	s.put(t)
	return t, nil
}

// Delete removes a tournament; creator only, and only while it has not
// started.
func (s *Service) Delete(id, byEmail string) error {
	t, ok := s.Get(id)
	if !ok {
		return ErrNotFound
	}
	if t.CreatedBy != byEmail {
		return ErrForbidden
	}
	if t.Status != StatusScheduled {
		return ErrAlreadyStarted
	}
	s.store.Delete(store.NSTournaments, id)
	return nil
}

// List returns every tournament, soonest start first.
func (s *Service) List() []Tournament {
	var out []Tournament
	for id := range s.store.Snapshot(store.NSTournaments) {
		var t Tournament
		if s.store.Get(store.NSTournaments, id, &t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NoticeKind distinguishes the two broadcasts the evaluator can emit.
type NoticeKind string

const (
	NoticeReminder NoticeKind = "reminder"
	NoticeStart    NoticeKind = "start"
)

type Notice struct {
	Kind       NoticeKind
	Tournament Tournament
}

// Evaluate advances every scheduled tournament through its time-window
// transitions. Both transitions are idempotent: the reminder fires
// exactly once per tournament via the one-shot flag, and the start
// transition only ever runs on a still-scheduled record. A tournament
// short of its minimum at start time stays scheduled until an operator
// intervenes.
func (s *Service) Evaluate() []Notice {
	now := s.now()
	var notices []Notice

	for _, t := range s.List() {
		if t.Status != StatusScheduled {
			continue
		}

		reminderAt := t.StartTime.Add(-time.Duration(t.CheckinMins) * time.Minute)
		if !t.ReminderSent && !now.Before(reminderAt) && now.Before(t.StartTime) {
			t.ReminderSent = true
			s.put(t)
			notices = append(notices, Notice{Kind: NoticeReminder, Tournament: t})
		}

		if !now.Before(t.StartTime) && len(t.Participants) >= t.minPlayers() {
			t.Status = StatusRunning
			s.put(t)
			notices = append(notices, Notice{Kind: NoticeStart, Tournament: t})
		}
	}
	return notices
}

func (s *Service) put(t Tournament) {
	_ = s.store.Set(store.NSTournaments, t.ID, t, 0)
}
