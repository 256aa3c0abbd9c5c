package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/emrefkucuk/transcrypt/internal/codec"
	"github.com/emrefkucuk/transcrypt/pkg/protocol"
	"github.com/emrefkucuk/transcrypt/pkg/room"
)

// transferState tracks the single in-flight transfer of a room. The relay
// never buffers more than one chunk: a binary frame is held only until its
// metadata frame pairs with it.
type transferState struct {
	filename    string
	filesize    int64
	opts        protocol.EncryptionOptions
	meta        *protocol.EncryptionMetadata
	senderID    uuid.UUID
	transferred int64
	metaSent    bool

	pendingChunk []byte
	hasPending   bool
}

// session is the per-room state machine. All mutations go through its mutex;
// a data race on the transferring flag could admit two concurrent transfers.
type session struct {
	key    string
	logger *slog.Logger

	mu           sync.Mutex
	members      map[uuid.UUID]*member
	transferring bool
	transfer     *transferState
}

func newSession(key string, logger *slog.Logger) *session {
	return &session{
		key:     key,
		logger:  logger,
		members: make(map[uuid.UUID]*member),
	}
}

func (s *session) addMember(m *member) {
	s.mu.Lock()
	s.members[m.peer.ID()] = m
	s.mu.Unlock()
}

// removeMember drops a connection and reports whether the session is now
// empty. A mid-transfer sender leaving aborts the transfer.
func (s *session) removeMember(connID uuid.UUID) (empty bool) {
	s.mu.Lock()
	delete(s.members, connID)
	aborted := false
	if s.transferring && s.transfer != nil && s.transfer.senderID == connID {
		s.transferring = false
		s.transfer = nil
		aborted = true
	}
	var notify []*member
	if aborted {
		notify = s.snapshotLocked(room.RoleReceiver)
	}
	empty = len(s.members) == 0
	s.mu.Unlock()

	for _, m := range notify {
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Transfer aborted: sender disconnected"))
	}
	return empty
}

func (s *session) broadcastRoomStatus() {
	s.mu.Lock()
	senders, receivers := 0, 0
	for _, m := range s.members {
		switch m.role {
		case room.RoleSender:
			senders++
		case room.RoleReceiver:
			receivers++
		}
	}
	ready := senders > 0 && receivers > 0 && !s.transferring
	all := s.snapshotLocked("")
	s.mu.Unlock()

	msg := protocol.Marshal(protocol.RoomStatus{
		Type:            protocol.TypeRoomStatus,
		Senders:         senders,
		Receivers:       receivers,
		ReadyToTransfer: ready,
	})
	for _, m := range all {
		m.peer.Send(msg)
	}
}

func (s *session) handleStartTransfer(m *member, msg []byte, maxFileSize int64) {
	if m.role != room.RoleSender {
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Only sender can initiate file transfer"))
		return
	}

	var start protocol.StartTransfer
	if err := json.Unmarshal(msg, &start); err != nil {
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Malformed start_transfer message"))
		return
	}
	switch start.EncryptionOptions.Method {
	case "", protocol.MethodNone, protocol.MethodAESGCM, protocol.MethodChaCha20:
	default:
		m.peer.Send(protocol.NewError(protocol.KindUnsupportedEncryption,
			"Unsupported encryption method: "+start.EncryptionOptions.Method))
		return
	}
	if start.Filesize < 0 || (maxFileSize > 0 && start.Filesize > maxFileSize) {
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Declared filesize exceeds the allowed maximum"))
		return
	}

	s.mu.Lock()
	if s.transferring {
		s.mu.Unlock()
		m.peer.Send(protocol.NewError(protocol.KindTransferInProgress,
			"An active transfer is already in progress"))
		return
	}
	// The room must be ready: chunks are relayed live and never buffered, so
	// a transfer with no receiver would silently discard the file.
	if len(s.snapshotLocked(room.RoleReceiver)) == 0 {
		s.mu.Unlock()
		m.peer.Send(protocol.NewError(protocol.KindProtocol,
			"No receiver is connected to the room"))
		return
	}
	s.transferring = true
	s.transfer = &transferState{
		filename: start.Filename,
		filesize: start.Filesize,
		opts:     start.EncryptionOptions,
		meta:     start.EncryptionMetadata,
		senderID: m.peer.ID(),
	}
	receivers := s.snapshotLocked(room.RoleReceiver)
	s.mu.Unlock()

	s.logger.Info("Transfer started",
		slog.String("filename", start.Filename),
		slog.Int64("filesize", start.Filesize),
		slog.String("method", start.EncryptionOptions.Method),
	)

	announce := protocol.Marshal(protocol.TransferStart{
		Type:              protocol.TypeTransferStart,
		Filename:          start.Filename,
		Filesize:          start.Filesize,
		EncryptionOptions: start.EncryptionOptions,
	})
	for _, r := range receivers {
		r.peer.Send(announce)
	}
}

// handleBinary holds the chunk until its metadata frame arrives; the pair is
// relayed together so the receiver sees the same adjacency the sender wrote.
func (s *session) handleBinary(m *member, payload []byte) {
	s.mu.Lock()
	if !s.transferring || s.transfer == nil || s.transfer.senderID != m.peer.ID() {
		s.mu.Unlock()
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "No active transfer for this connection"))
		return
	}
	if s.transfer.hasPending {
		s.mu.Unlock()
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Binary frame received before previous chunk metadata"))
		return
	}
	s.transfer.pendingChunk = payload
	s.transfer.hasPending = true
	s.mu.Unlock()
}

func (s *session) handleChunkMeta(m *member, msg []byte) {
	var meta protocol.ChunkMeta
	if err := json.Unmarshal(msg, &meta); err != nil {
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Malformed chunk metadata"))
		return
	}

	s.mu.Lock()
	t := s.transfer
	if !s.transferring || t == nil || t.senderID != m.peer.ID() || !t.hasPending {
		s.mu.Unlock()
		m.peer.Send(protocol.NewError(protocol.KindProtocol, "Chunk metadata without a matching binary frame"))
		return
	}

	chunk := t.pendingChunk
	t.pendingChunk = nil
	t.hasPending = false
	t.transferred += int64(len(chunk))
	filename := t.filename

	progress := protocol.TransferProgress{
		Type:        protocol.TypeTransferProgress,
		ChunkID:     meta.ChunkID,
		TotalChunks: meta.TotalChunks,
		Transferred: t.transferred,
		Total:       t.filesize,
		Percentage:  codec.Progress(t.transferred, t.filesize),
	}
	// Key material is attached once, with the first relayed chunk, so the
	// receiver can decrypt no later than the final chunk.
	receiverProgress := progress
	if !t.metaSent && t.meta != nil {
		receiverProgress.EncryptionMetadata = t.meta
		t.metaSent = true
	}

	final := meta.ChunkID == meta.TotalChunks-1
	var complete []byte
	if final {
		tc := protocol.TransferComplete{
			Type:     protocol.TypeTransferComplete,
			Filename: t.filename,
			Filesize: t.filesize,
		}
		if t.opts.IntegrityCheck {
			verified := true
			tc.IntegrityVerified = &verified
			if t.meta != nil {
				tc.IntegrityHash = t.meta.FileHash
			}
		}
		complete = protocol.Marshal(tc)
		s.transferring = false
		s.transfer = nil
	}

	receivers := s.snapshotLocked(room.RoleReceiver)
	all := s.snapshotLocked("")
	s.mu.Unlock()

	receiverMsg := protocol.Marshal(receiverProgress)
	for _, r := range receivers {
		r.peer.SendBinary(chunk)
		r.peer.Send(receiverMsg)
	}
	m.peer.Send(protocol.Marshal(progress))

	if final {
		s.logger.Info("Transfer complete", slog.String("filename", filename))
		for _, other := range all {
			other.peer.Send(complete)
		}
	}
}

// handleSignal forwards an opaque P2P signaling payload to the opposite role.
func (s *session) handleSignal(m *member, msg []byte) {
	other := room.RoleReceiver
	if m.role == room.RoleReceiver {
		other = room.RoleSender
	}
	s.mu.Lock()
	targets := s.snapshotLocked(other)
	s.mu.Unlock()

	for _, t := range targets {
		t.peer.Send(msg)
	}
}

// snapshotLocked copies the member list (optionally filtered by role) so
// sends happen outside the session lock. Caller holds s.mu.
func (s *session) snapshotLocked(role room.Role) []*member {
	out := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		if role == "" || m.role == role {
			out = append(out, m)
		}
	}
	return out
}
