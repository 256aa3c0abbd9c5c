// Package relay implements the per-room WebSocket session state machine:
// membership tracking, room-status broadcasts, the single-active-transfer
// rule, pass-through chunk relaying and P2P signaling exchange.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/emrefkucuk/transcrypt/pkg/protocol"
	"github.com/emrefkucuk/transcrypt/pkg/room"
)

// Peer is the send-side of a participant's connection. Implemented by
// *transport.Connection; tests substitute fakes.
type Peer interface {
	ID() uuid.UUID
	Send(message []byte)
	SendBinary(payload []byte)
}

type member struct {
	peer    Peer
	role    room.Role
	roomKey string
}

// Hub owns all live relay sessions and routes transport callbacks to the
// room each connection belongs to.
type Hub struct {
	logger      *slog.Logger
	registry    *room.Registry
	maxFileSize int64

	mu       sync.Mutex
	sessions map[string]*session
	conns    map[uuid.UUID]*member
}

func NewHub(logger *slog.Logger, registry *room.Registry, maxFileSize int64) *Hub {
	return &Hub{
		logger:      logger.With(slog.String("component", "relay_hub")),
		registry:    registry,
		maxFileSize: maxFileSize,
		sessions:    make(map[string]*session),
		conns:       make(map[uuid.UUID]*member),
	}
}

// Join validates the key against the registry, registers the peer in the
// room's session and broadcasts the updated room status to every member.
func (h *Hub) Join(peer Peer, key string, role room.Role) error {
	if err := h.registry.Join(key, peer.ID(), role); err != nil {
		return err
	}

	m := &member{peer: peer, role: role, roomKey: key}

	h.mu.Lock()
	sess, ok := h.sessions[key]
	if !ok {
		sess = newSession(key, h.logger)
		h.sessions[key] = sess
	}
	h.conns[peer.ID()] = m
	h.mu.Unlock()

	sess.addMember(m)
	h.logger.Info("Peer joined relay session",
		slog.String("role", string(role)),
		slog.String("connID", peer.ID().String()),
	)
	sess.broadcastRoomStatus()
	return nil
}

// Leave removes a connection from its session. A sender leaving mid-transfer
// abandons the transfer; receivers get an explicit abort error rather than a
// silently stalled progress bar.
func (h *Hub) Leave(connID uuid.UUID) {
	h.mu.Lock()
	m, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	sess := h.sessions[m.roomKey]
	h.mu.Unlock()

	h.registry.Leave(m.roomKey, connID)
	if sess == nil {
		return
	}

	empty := sess.removeMember(connID)
	if empty {
		h.mu.Lock()
		delete(h.sessions, m.roomKey)
		h.mu.Unlock()
		return
	}
	sess.broadcastRoomStatus()
}

// HandleMessage is wired as the transport's message callback.
func (h *Hub) HandleMessage(_ context.Context, connID uuid.UUID, binary bool, msg []byte) {
	h.mu.Lock()
	m, ok := h.conns[connID]
	var sess *session
	if ok {
		sess = h.sessions[m.roomKey]
	}
	h.mu.Unlock()

	if !ok || sess == nil {
		h.logger.Warn("Message from unknown connection", slog.String("connID", connID.String()))
		return
	}
	h.registry.Touch(m.roomKey)

	if binary {
		sess.handleBinary(m, msg)
		return
	}

	msgType := gjson.GetBytes(msg, "type").String()
	switch msgType {
	case protocol.TypeStartTransfer:
		sess.handleStartTransfer(m, msg, h.maxFileSize)
	case protocol.TypeChunkMeta:
		sess.handleChunkMeta(m, msg)
	case protocol.TypeP2PSignal:
		sess.handleSignal(m, msg)
	default:
		// Chunk metadata may arrive without a type discriminator; pairing is
		// positional, so a bare {chunk_id, total_chunks} frame is valid.
		if msgType == "" && gjson.GetBytes(msg, "chunk_id").Exists() &&
			gjson.GetBytes(msg, "total_chunks").Exists() {
			sess.handleChunkMeta(m, msg)
			return
		}
		h.logger.Warn("Received unknown message type",
			slog.String("type", msgType),
			slog.String("connID", connID.String()),
		)
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Unknown message type"))
	}
}
