package room

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

var (
	ErrRoomNotFound = errors.New("invalid or expired secret key")
	ErrRoomFull     = errors.New("room has reached maximum capacity")
	ErrInvalidRole  = errors.New("role must be sender or receiver")
)

// Label records which issuance flow created a room. Informational only.
type Label string

const (
	LabelDirect     Label = "direct"
	LabelTextStego  Label = "text-stego"
	LabelImageStego Label = "image-stego"
	LabelEmail      Label = "email"
	LabelFaceAuth   Label = "face-auth"
)

// Room is a transfer session scoped by a secret key. The key is the room's
// identity and its only capability token.
type Room struct {
	SecretKey    string
	MaxReceivers int // 0 means unlimited
	Label        Label
	FacesCount   int
	CreatedAt    time.Time
	LastActivity time.Time

	members map[uuid.UUID]Role
}

func (r *Room) counts() (senders, receivers int) {
	for _, role := range r.members {
		switch role {
		case RoleSender:
			senders++
		case RoleReceiver:
			receivers++
		}
	}
	return senders, receivers
}
