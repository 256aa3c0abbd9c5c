// Package protocol defines the JSON wire messages exchanged over the relay
// WebSocket and the P2P data channel.
//
// Transfers use positional pairing: each binary chunk frame is followed by a
// ChunkMeta control frame, and the receiver pairs them by arrival order.
// There is no per-chunk correlation id, so the transport must be reliable
// and strictly ordered (WebSocket, or an ordered data channel).
package protocol

import "encoding/json"

// Server -> client message types.
const (
	TypeRoomStatus       = "room_status"
	TypeTransferStart    = "transfer_start"
	TypeTransferProgress = "transfer_progress"
	TypeTransferComplete = "transfer_complete"
	TypeError            = "error"
	TypeP2PSignal        = "p2p-signal"
)

// Client -> server message types.
const (
	TypeStartTransfer = "start_transfer"
	TypeChunkMeta     = "chunk_meta"
)

// P2P direct-channel control message types.
const (
	TypeFileMetadata = "file_metadata"
	TypeFileChunk    = "file_chunk"
)

// Structured error kinds. The message strings remain human-readable and keep
// the legacy matchable substrings, but clients should branch on Kind.
const (
	KindRoomNotFound          = "room_not_found"
	KindRoomFull              = "room_full"
	KindTransferInProgress    = "transfer_in_progress"
	KindUnsupportedEncryption = "unsupported_encryption"
	KindSignalingTimeout      = "signaling_timeout"
	KindProtocol              = "protocol"
)

// Encryption method identifiers carried in EncryptionOptions.
const (
	MethodNone     = "none"
	MethodAESGCM   = "aes-256-gcm"
	MethodChaCha20 = "chacha20-poly1305"
)

type EncryptionOptions struct {
	Method         string `json:"method"`
	IntegrityCheck bool   `json:"integrityCheck"`
}

// EncryptionMetadata carries the key material needed to open a sealed
// payload. All fields are hex encoded. The key travels in-band on the same
// logical channel as the ciphertext; this protects against a passive third
// party observing only part of the channel, not against the relay operator.
type EncryptionMetadata struct {
	Method   string `json:"method,omitempty"`
	Key      string `json:"key,omitempty"`
	IV       string `json:"iv,omitempty"`
	Tag      string `json:"tag,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
}

type RoomStatus struct {
	Type            string `json:"type"`
	Senders         int    `json:"senders"`
	Receivers       int    `json:"receivers"`
	ReadyToTransfer bool   `json:"ready_to_transfer"`
}

type StartTransfer struct {
	Type               string              `json:"type"`
	Filename           string              `json:"filename"`
	Filesize           int64               `json:"filesize"`
	EncryptionOptions  EncryptionOptions   `json:"encryptionOptions"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty"`
}

type TransferStart struct {
	Type              string            `json:"type"`
	Filename          string            `json:"filename"`
	Filesize          int64             `json:"filesize"`
	EncryptionOptions EncryptionOptions `json:"encryptionOptions"`
}

// ChunkMeta is the control frame sent immediately after each binary chunk.
type ChunkMeta struct {
	Type        string `json:"type,omitempty"`
	ChunkID     int    `json:"chunk_id"`
	TotalChunks int    `json:"total_chunks"`
}

type TransferProgress struct {
	Type               string              `json:"type"`
	ChunkID            int                 `json:"chunk_id"`
	TotalChunks        int                 `json:"total_chunks"`
	Transferred        int64               `json:"transferred"`
	Total              int64               `json:"total"`
	Percentage         int                 `json:"percentage"`
	EncryptionMetadata *EncryptionMetadata `json:"encryption_metadata,omitempty"`
}

type TransferComplete struct {
	Type              string `json:"type"`
	Filename          string `json:"filename"`
	Filesize          int64  `json:"filesize"`
	IntegrityVerified *bool  `json:"integrity_verified,omitempty"`
	IntegrityHash     string `json:"integrity_hash,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// P2PSignal wraps an opaque signaling payload (offer, answer or candidate)
// relayed verbatim between the two roles of a room.
type P2PSignal struct {
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal"`
}

// FileMetadata is the first control message on the direct channel.
type FileMetadata struct {
	Type               string              `json:"type"`
	Filename           string              `json:"filename"`
	Filesize           int64               `json:"filesize"`
	EncryptionOptions  EncryptionOptions   `json:"encryptionOptions"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty"`
}

func Marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All protocol types marshal cleanly; a failure is a programming error.
		panic(err)
	}
	return b
}

func NewError(kind, message string) []byte {
	return Marshal(ErrorMessage{Type: TypeError, Kind: kind, Message: message})
}
