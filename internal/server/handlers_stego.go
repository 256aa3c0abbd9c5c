package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/emrefkucuk/transcrypt/pkg/room"
)

// --- Steganographic text flow ---

type createTextRoomRequest struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	MaxReceivers int    `json:"max_receivers"`
}

func (a *App) handleCreateTextRoom(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.TextStego || a.collabs.TextStego == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Text steganography is disabled")
		return
	}

	var req createTextRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if req.MaxReceivers < 0 {
		a.writeError(w, http.StatusBadRequest, "max_receivers must be >= 0")
		return
	}

	key, err := a.registry.CreateRoom(req.MaxReceivers, room.LabelTextStego)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	text, err := a.collabs.TextStego.Generate(r.Context(), req.Prompt, req.Model, key)
	if err != nil {
		a.logger.Error("Invitation text generation failed", slog.Any("error", err))
		a.writeError(w, http.StatusBadGateway, "Invitation text generation failed")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"secret_key":      key,
		"invitation_text": text,
	})
}

type regenerateTextRequest struct {
	SecretKey string `json:"secret_key"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
}

func (a *App) handleRegenerateText(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.TextStego || a.collabs.TextStego == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Text steganography is disabled")
		return
	}

	var req regenerateTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if !a.registry.CheckRoom(req.SecretKey) {
		a.writeError(w, http.StatusNotFound, "Invalid or expired secret key")
		return
	}

	text, err := a.collabs.TextStego.Generate(r.Context(), req.Prompt, req.Model, req.SecretKey)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, "Invitation text generation failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"invitation_text": text,
	})
}

type extractTextKeyRequest struct {
	InvitationText string `json:"invitation_text"`
}

func (a *App) handleExtractTextKey(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.TextStego || a.collabs.TextStego == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Text steganography is disabled")
		return
	}

	var req extractTextKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvitationText == "" {
		a.writeError(w, http.StatusBadRequest, "invitation_text is required")
		return
	}

	key, err := a.collabs.TextStego.Extract(r.Context(), req.InvitationText)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, "No secret key found in the text")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"secret_key": key,
	})
}

// --- Image steganography flow ---

func (a *App) handleCreateImageRoom(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.ImageStego || a.collabs.ImageStego == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Image steganography is disabled")
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed multipart form")
		return
	}

	image, err := readFormFile(r, "image")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "A carrier image is required")
		return
	}
	maxReceivers := formInt(r, "max_receivers")
	if maxReceivers < 0 {
		a.writeError(w, http.StatusBadRequest, "max_receivers must be >= 0")
		return
	}

	key, err := a.registry.CreateRoom(maxReceivers, room.LabelImageStego)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	stego, err := a.collabs.ImageStego.Embed(r.Context(), image, key)
	if err != nil {
		a.logger.Error("Image embedding failed", slog.Any("error", err))
		a.writeError(w, http.StatusBadGateway, "Image embedding failed")
		return
	}

	name := a.artifacts.Put(stego)
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"secret_key":  key,
		"stego_image": name,
	})
}

func (a *App) handleDownloadStegoImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	data, ok := a.artifacts.Get(name)
	if !ok {
		a.writeError(w, http.StatusNotFound, "Unknown stego image")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *App) handleExtractImageKey(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.ImageStego || a.collabs.ImageStego == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Image steganography is disabled")
		return
	}

	image, err := readFormFile(r, "image")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "A carrier image is required")
		return
	}
	key, err := a.collabs.ImageStego.Extract(r.Context(), image)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, "No secret key found in the image")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"secret_key": key,
	})
}
