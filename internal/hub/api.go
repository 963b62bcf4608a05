package hub

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/lobby"
	"github.com/openscore/darts-live-backend/internal/tourney"
)

func newOfferID() string { return uuid.NewString() }

// Messages for the HTTP layer. Tournament creation, joining, winner
// assignment and deletion are external-facing operations; they enter
// the loop like everything else and reply over a channel.

type tournamentResult struct {
	Tournament tourney.Tournament
	Err        error
}

type createTournament struct {
	Tournament tourney.Tournament
	Reply      chan tournamentResult
}

type joinTournament struct {
	ID    string
	Email string
	Name  string
	Reply chan tournamentResult
}

type setTournamentWinner struct {
	ID      string
	ByEmail string
	Winner  string
	Reply   chan tournamentResult
}

type deleteTournament struct {
	ID      string
	ByEmail string
	Reply   chan error
}

type listTournaments struct{ Reply chan []tourney.Tournament }

type listMatches struct{ Reply chan []lobby.Offer }

func (createTournament) isHubMsg()    {}
func (joinTournament) isHubMsg()      {}
func (setTournamentWinner) isHubMsg() {}
func (deleteTournament) isHubMsg()    {}
func (listTournaments) isHubMsg()     {}
func (listMatches) isHubMsg()         {}

// Blocking wrappers used by the HTTP handlers.

func (h *Hub) CreateTournament(t tourney.Tournament) (tourney.Tournament, error) {
	reply := make(chan tournamentResult, 1)
	h.inbox <- createTournament{Tournament: t, Reply: reply}
	res := <-reply
	return res.Tournament, res.Err
}

func (h *Hub) JoinTournament(id, email, name string) (tourney.Tournament, error) {
	reply := make(chan tournamentResult, 1)
	h.inbox <- joinTournament{ID: id, Email: email, Name: name, Reply: reply}
	res := <-reply
	return res.Tournament, res.Err
}

func (h *Hub) SetTournamentWinner(id, byEmail, winner string) (tourney.Tournament, error) {
	reply := make(chan tournamentResult, 1)
	h.inbox <- setTournamentWinner{ID: id, ByEmail: byEmail, Winner: winner, Reply: reply}
	res := <-reply
	return res.Tournament, res.Err
}

func (h *Hub) DeleteTournament(id, byEmail string) error {
	reply := make(chan error, 1)
	h.inbox <- deleteTournament{ID: id, ByEmail: byEmail, Reply: reply}
	return <-reply
}

func (h *Hub) ListTournaments() []tourney.Tournament {
	reply := make(chan []tourney.Tournament, 1)
	h.inbox <- listTournaments{Reply: reply}
	return <-reply
}

func (h *Hub) ListMatches() []lobby.Offer {
	reply := make(chan []lobby.Offer, 1)
	h.inbox <- listMatches{Reply: reply}
	return <-reply
}

// Loop-side handlers. Every mutation rebroadcasts the tournaments
// snapshot so connected lobbies stay consistent without polling.

func (h *Hub) handleCreateTournament(m createTournament) {
	t := m.Tournament
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t = h.tournaments.Create(t)
	h.persistTournament(t)
	h.broadcastTournaments()
	m.Reply <- tournamentResult{Tournament: t}
}

func (h *Hub) handleJoinTournament(m joinTournament) {
	t, err := h.tournaments.Join(m.ID, m.Email, m.Name)
	if err == nil {
		h.persistTournament(t)
		h.broadcastTournaments()
	}
	m.Reply <- tournamentResult{Tournament: t, Err: err}
}

func (h *Hub) handleSetWinner(m setTournamentWinner) {
	t, err := h.tournaments.SetWinner(m.ID, m.ByEmail, m.Winner)
	if err == nil {
		h.persistTournament(t)
		h.broadcastTournaments()
	}
	m.Reply <- tournamentResult{Tournament: t, Err: err}
}

func (h *Hub) handleDeleteTournament(m deleteTournament) {
	err := h.tournaments.Delete(m.ID, m.ByEmail)
	if err == nil {
		if h.persist != nil {
			id := m.ID
			go func() {
				if err := h.persist.DeleteTournament(id); err != nil {
					h.log.Error("tournament delete persistence failed", zap.String("id", id), zap.Error(err))
				}
			}()
		}
		h.broadcastTournaments()
	}
	m.Reply <- err
}
