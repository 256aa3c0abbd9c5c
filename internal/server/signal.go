package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emrefkucuk/transcrypt/internal/p2p"
)

// REST surface over the signaling store, for peers using HTTP polling as
// their side channel instead of the relay's p2p-signal passthrough.

func (a *App) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		a.writeError(w, http.StatusBadRequest, "A connection code is required")
		return
	}
	if err := a.signals.CreateExchange(r.Context(), code); err != nil {
		a.writeError(w, http.StatusConflict, "Connection code already in use")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (a *App) handleFetchSignal(w http.ResponseWriter, r *http.Request) {
	rec, err := a.signals.Fetch(r.Context(), r.PathValue("code"))
	if err != nil {
		a.writeError(w, http.StatusNotFound, "Unknown connection code")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"offer":               rec.Offer,
		"answer":              rec.Answer,
		"sender_candidates":   rec.SenderCandidates,
		"receiver_candidates": rec.ReceiverCandidates,
	})
}

type publishSignalRequest struct {
	Role      string          `json:"role"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

func (a *App) handlePublishOffer(w http.ResponseWriter, r *http.Request) {
	var req publishSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Offer) == 0 {
		a.writeError(w, http.StatusBadRequest, "An offer blob is required")
		return
	}
	a.respondSignal(w, a.signals.PublishOffer(r.Context(), r.PathValue("code"), req.Offer))
}

func (a *App) handlePublishAnswer(w http.ResponseWriter, r *http.Request) {
	var req publishSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Answer) == 0 {
		a.writeError(w, http.StatusBadRequest, "An answer blob is required")
		return
	}
	a.respondSignal(w, a.signals.PublishAnswer(r.Context(), r.PathValue("code"), req.Answer))
}

func (a *App) handlePublishCandidate(w http.ResponseWriter, r *http.Request) {
	var req publishSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Candidate) == 0 {
		a.writeError(w, http.StatusBadRequest, "A candidate blob is required")
		return
	}
	role := p2p.Role(req.Role)
	if role != p2p.RoleSender && role != p2p.RoleReceiver {
		a.writeError(w, http.StatusBadRequest, "role must be sender or receiver")
		return
	}
	a.respondSignal(w, a.signals.PublishCandidate(r.Context(), r.PathValue("code"), role, req.Candidate))
}

func (a *App) respondSignal(w http.ResponseWriter, err error) {
	if err != nil {
		if errors.Is(err, p2p.ErrExchangeNotFound) {
			a.writeError(w, http.StatusNotFound, "Unknown connection code")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Signaling update failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}
