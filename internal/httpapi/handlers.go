package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openscore/darts-live-backend/internal/hub"
	"github.com/openscore/darts-live-backend/internal/tourney"
)

type createTournamentRequest struct {
	Title       string    `json:"title"`
	Mode        string    `json:"mode"`
	StartTime   time.Time `json:"startTime"`
	CheckinMins int       `json:"checkinMins"`
	Capacity    int       `json:"capacity"`
	Official    bool      `json:"official"`
	CreatedBy   string    `json:"createdBy"`
	Prize       string    `json:"prize"`
}

type joinTournamentRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type winnerRequest struct {
	ByEmail string `json:"byEmail"`
	Winner  string `json:"winner"`
}

func CreateTournament(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTournamentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if req.Title == "" || req.CreatedBy == "" || req.StartTime.IsZero() {
			http.Error(w, "title, createdBy and startTime are required", http.StatusBadRequest)
			return
		}

		t, err := h.CreateTournament(tourney.Tournament{
			Title:       req.Title,
			Mode:        req.Mode,
			StartTime:   req.StartTime,
			CheckinMins: req.CheckinMins,
			Capacity:    req.Capacity,
			Official:    req.Official,
			CreatedBy:   req.CreatedBy,
			Prize:       req.Prize,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func JoinTournament(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinTournamentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			http.Error(w, "email is required", http.StatusBadRequest)
			return
		}
		t, err := h.JoinTournament(chi.URLParam(r, "id"), req.Email, req.Name)
		if err != nil {
			writeTournamentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func SetTournamentWinner(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req winnerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Winner == "" {
			http.Error(w, "winner is required", http.StatusBadRequest)
			return
		}
		t, err := h.SetTournamentWinner(chi.URLParam(r, "id"), req.ByEmail, req.Winner)
		if err != nil {
			writeTournamentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func DeleteTournament(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byEmail := r.URL.Query().Get("byEmail")
		if err := h.DeleteTournament(chi.URLParam(r, "id"), byEmail); err != nil {
			writeTournamentError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ListTournaments(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.ListTournaments())
	}
}

func ListMatches(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.ListMatches())
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeTournamentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tourney.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tourney.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, tourney.ErrAlreadyStarted), errors.Is(err, tourney.ErrFull):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
