package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/emrefkucuk/transcrypt/internal/server/middleware"
	"github.com/emrefkucuk/transcrypt/pkg/protocol"
	"github.com/emrefkucuk/transcrypt/pkg/room"
	"github.com/emrefkucuk/transcrypt/pkg/transport"
)

// Close reasons. Clients branch on these strings, so the capacity reason
// must keep its "maximum capacity" substring.
const (
	reasonInvalidKey  = "Invalid secret key"
	reasonRoomFull    = "Room has reached maximum capacity"
	reasonInvalidRole = "Role must be sender or receiver"
)

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	role := room.Role(r.PathValue("role"))
	secretKey := r.PathValue("secret_key")

	var remoteIP string
	if reqMeta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		remoteIP = reqMeta.IP
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", remoteIP),
		slog.String("role", string(role)),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	if role != room.RoleSender && role != room.RoleReceiver {
		wsConn.Close(websocket.StatusPolicyViolation, reasonInvalidRole)
		return
	}
	if !a.registry.CheckRoom(secretKey) {
		connLogger.Warn("Rejected connection with invalid secret key")
		wsConn.Close(websocket.StatusPolicyViolation, reasonInvalidKey)
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)

	if err := a.hub.Join(conn, secretKey, role); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomFull):
			connLogger.Warn("Rejected connection: room at capacity")
			wsConn.Write(r.Context(), websocket.MessageText,
				protocol.NewError(protocol.KindRoomFull, reasonRoomFull))
			conn.CloseWithStatus(websocket.StatusPolicyViolation, reasonRoomFull)
		case errors.Is(err, room.ErrRoomNotFound):
			conn.CloseWithStatus(websocket.StatusPolicyViolation, reasonInvalidKey)
		default:
			connLogger.Error("Failed to join relay session", slog.Any("error", err))
			conn.CloseWithStatus(websocket.StatusInternalError, "join failed")
		}
		return
	}

	conn.SetOnMessageHandler(a.hub.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.hub.Leave(id)
		a.untrackConnection(id)
	})
	a.trackConnection(conn)

	connLogger.Info("Relay connection fully established",
		slog.String("connID", conn.ID().String()),
	)
	conn.Run()
	<-conn.Done()
}
