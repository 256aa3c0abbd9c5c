package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/emrefkucuk/transcrypt/internal/envelope"
	"github.com/emrefkucuk/transcrypt/internal/external"
	"github.com/emrefkucuk/transcrypt/pkg/protocol"
	"github.com/emrefkucuk/transcrypt/pkg/room"
)

const maxMultipartMemory = 32 << 20

func (a *App) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", slog.Any("error", err))
	}
}

func (a *App) writeError(w http.ResponseWriter, code int, message string) {
	a.writeJSON(w, code, map[string]any{"status": "error", "message": message})
}

// --- Room lifecycle ---

type createRoomRequest struct {
	MaxReceivers int `json:"max_receivers"`
}

func (a *App) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		a.writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if req.MaxReceivers < 0 {
		a.writeError(w, http.StatusBadRequest, "max_receivers must be >= 0")
		return
	}

	key, err := a.registry.CreateRoom(req.MaxReceivers, room.LabelDirect)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"secret_key": key,
		"message":    "Room created successfully",
	})
}

func (a *App) handleCheckRoom(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("secret_key")
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"valid":  key != "" && a.registry.CheckRoom(key),
	})
}

// --- Email flow ---

type createEmailRoomRequest struct {
	SenderEmail    string `json:"sender_email"`
	SenderPassword string `json:"sender_password"`
	RecipientEmail string `json:"recipient_email"`
	MaxReceivers   int    `json:"max_receivers"`
}

func (a *App) handleCreateEmailRoom(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.Email || a.collabs.Mailer == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Email invitations are disabled")
		return
	}

	var req createEmailRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}
	if req.SenderEmail == "" || req.RecipientEmail == "" {
		a.writeError(w, http.StatusBadRequest, "sender_email and recipient_email are required")
		return
	}

	key, err := a.registry.CreateRoom(req.MaxReceivers, room.LabelEmail)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	link, err := NewSecureLink(a.config.Link.Secret, key, a.config.Link.TTL)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to build secure link")
		return
	}

	creds := external.MailCredentials{Email: req.SenderEmail, Password: req.SenderPassword}
	if err := a.collabs.Mailer.SendInvitation(r.Context(), creds, req.RecipientEmail, link); err != nil {
		a.logger.Error("Failed to send invitation email", slog.Any("error", err))
		a.writeError(w, http.StatusBadGateway, "Failed to send invitation email")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"secret_key":  key,
		"secure_link": link,
	})
}

func (a *App) handleResolveLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	key, err := ParseSecureLink(a.config.Link.Secret, token)
	if err != nil || !a.registry.CheckRoom(key) {
		a.writeError(w, http.StatusNotFound, "Invalid or expired secure link")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"secret_key": key,
	})
}

// --- Face-auth flow ---

func (a *App) handleCreateFaceRoom(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.FaceAuth || a.collabs.FaceMatcher == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Face authentication is disabled")
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed multipart form")
		return
	}

	images, err := readFormFiles(r, "files")
	if err != nil || len(images) == 0 {
		a.writeError(w, http.StatusBadRequest, "At least one face image is required")
		return
	}
	maxReceivers := formInt(r, "max_receivers")
	if maxReceivers < 0 {
		a.writeError(w, http.StatusBadRequest, "max_receivers must be >= 0")
		return
	}

	key, err := a.registry.CreateRoom(maxReceivers, room.LabelFaceAuth)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	count, err := a.collabs.FaceMatcher.Enroll(r.Context(), key, images)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, "Face enrollment failed")
		return
	}
	a.registry.SetFacesCount(key, count)

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"secret_key":    key,
		"faces_count":   count,
		"max_receivers": maxReceivers,
	})
}

func (a *App) handleAddFaces(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.FaceAuth || a.collabs.FaceMatcher == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Face authentication is disabled")
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		a.writeError(w, http.StatusBadRequest, "Malformed multipart form")
		return
	}

	key := r.FormValue("secret_key")
	if !a.registry.CheckRoom(key) {
		a.writeError(w, http.StatusNotFound, "Invalid or expired secret key")
		return
	}
	images, err := readFormFiles(r, "files")
	if err != nil || len(images) == 0 {
		a.writeError(w, http.StatusBadRequest, "At least one face image is required")
		return
	}

	count, err := a.collabs.FaceMatcher.Enroll(r.Context(), key, images)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, "Face enrollment failed")
		return
	}
	if current, ok := a.registry.Get(key); ok {
		a.registry.SetFacesCount(key, current.FacesCount+count)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (a *App) handleVerifyFace(w http.ResponseWriter, r *http.Request) {
	if !a.config.Features.FaceAuth || a.collabs.FaceMatcher == nil {
		a.writeError(w, http.StatusServiceUnavailable, "Face authentication is disabled")
		return
	}
	image, err := readFormFile(r, "file")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "A probe image is required")
		return
	}

	keys, err := a.collabs.FaceMatcher.Match(r.Context(), image)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, "Face matching failed")
		return
	}

	authorized := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		if rm, ok := a.registry.Get(key); ok {
			authorized = append(authorized, map[string]any{
				"room_id":       rm.SecretKey,
				"max_receivers": rm.MaxReceivers,
			})
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"authorized_rooms": authorized,
	})
}

// --- Utilities ---

// handleDecryptChaCha is the server-side decrypt helper for receivers whose
// environment cannot run ChaCha20-Poly1305 locally. The uploaded ciphertext
// uses the combined tag layout.
func (a *App) handleDecryptChaCha(w http.ResponseWriter, r *http.Request) {
	ciphertext, err := readFormFile(r, "file")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "An encrypted file is required")
		return
	}
	keyHex := r.FormValue("chacha_key")
	nonceHex := r.FormValue("nonce")
	if _, err := hex.DecodeString(keyHex); err != nil || keyHex == "" {
		a.writeError(w, http.StatusBadRequest, "chacha_key must be hex encoded")
		return
	}

	plaintext, err := envelope.Open(ciphertext, protocol.EncryptionMetadata{
		Method: protocol.MethodChaCha20,
		Key:    keyHex,
		IV:     nonceHex,
	})
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, "Decryption failed: tag mismatch or wrong key material")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="decrypted"`)
	w.WriteHeader(http.StatusOK)
	w.Write(plaintext)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	features := map[string]bool{
		"text_stego":  a.config.Features.TextStego && a.collabs.TextStego != nil,
		"image_stego": a.config.Features.ImageStego && a.collabs.ImageStego != nil,
		"email":       a.config.Features.Email && a.collabs.Mailer != nil,
		"face_auth":   a.config.Features.FaceAuth && a.collabs.FaceMatcher != nil,
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"features":    features,
		"silent_mode": a.config.Features.SilentMode,
	})
}

func (a *App) handleModels(w http.ResponseWriter, r *http.Request) {
	models := map[string]string{}
	if a.collabs.TextStego != nil {
		models = a.collabs.TextStego.Models()
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"models": models,
	})
}

// --- multipart helpers ---

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func readFormFiles(r *http.Request, field string) ([][]byte, error) {
	if r.MultipartForm == nil {
		return nil, http.ErrMissingFile
	}
	headers := r.MultipartForm.File[field]
	out := make([][]byte, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func formInt(r *http.Request, field string) int {
	v := 0
	for _, c := range r.FormValue(field) {
		if c < '0' || c > '9' {
			return -1
		}
		v = v*10 + int(c-'0')
	}
	return v
}
