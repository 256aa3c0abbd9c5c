package room

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns all room records, keyed by secret key. It is the principal
// piece of shared state in the service and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	keyBytes   int
	idleExpiry time.Duration

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, keyBytes int, idleExpiry time.Duration) *Registry {
	if keyBytes <= 0 {
		keyBytes = 32
	}
	return &Registry{
		rooms:      make(map[string]*Room),
		keyBytes:   keyBytes,
		idleExpiry: idleExpiry,
		logger:     logger.With(slog.String("component", "room_registry")),
	}
}

// CreateRoom generates a cryptographically random secret key and registers a
// new room under it. maxReceivers of 0 means unlimited.
func (r *Registry) CreateRoom(maxReceivers int, label Label) (string, error) {
	buf := make([]byte, r.keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	room := &Room{
		SecretKey:    key,
		MaxReceivers: maxReceivers,
		Label:        label,
		CreatedAt:    now,
		LastActivity: now,
		members:      make(map[uuid.UUID]Role),
	}

	r.mu.Lock()
	r.rooms[key] = room
	r.mu.Unlock()

	r.logger.Info("Room created",
		slog.String("keyPrefix", keyPrefix(key)),
		slog.String("label", string(label)),
		slog.Int("maxReceivers", maxReceivers),
	)
	return key, nil
}

// CheckRoom reports whether a secret key identifies a live room. It is a
// pure lookup and never mutates membership.
func (r *Registry) CheckRoom(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[key]
	if !ok {
		return false
	}
	return !r.expired(room, time.Now())
}

// Join validates the key and capacity, then registers the connection as a
// member. Sender count is not capped here; a single active transfer is
// enforced at the protocol level.
func (r *Registry) Join(key string, connID uuid.UUID, role Role) error {
	if role != RoleSender && role != RoleReceiver {
		return ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[key]
	if !ok || r.expired(room, time.Now()) {
		return ErrRoomNotFound
	}
	if role == RoleReceiver && room.MaxReceivers > 0 {
		if _, receivers := room.counts(); receivers >= room.MaxReceivers {
			return ErrRoomFull
		}
	}

	room.members[connID] = role
	room.LastActivity = time.Now()
	r.logger.Debug("Member joined room",
		slog.String("keyPrefix", keyPrefix(key)),
		slog.String("role", string(role)),
		slog.String("connID", connID.String()),
	)
	return nil
}

// Leave removes a member. The room record itself survives an empty
// membership so the key stays valid until idle expiry; only the idle janitor
// destroys rooms.
func (r *Registry) Leave(key string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(room.members, connID)
	room.LastActivity = time.Now()
	r.logger.Debug("Member left room",
		slog.String("keyPrefix", keyPrefix(key)),
		slog.String("connID", connID.String()),
	)
}

// Counts returns the current sender and receiver cardinality of a room.
func (r *Registry) Counts(key string) (senders, receivers int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, found := r.rooms[key]
	if !found {
		return 0, 0, false
	}
	senders, receivers = room.counts()
	return senders, receivers, true
}

// Touch bumps a room's activity timestamp. Called on any room traffic.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[key]; ok {
		room.LastActivity = time.Now()
	}
}

// Get returns a snapshot of a room's metadata.
func (r *Registry) Get(key string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[key]
	if !ok {
		return Room{}, false
	}
	snapshot := *room
	snapshot.members = nil
	return snapshot, true
}

// SetFacesCount records how many authorized face samples are enrolled for a
// face-auth room.
func (r *Registry) SetFacesCount(key string, count int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[key]
	if !ok {
		return false
	}
	room.FacesCount = count
	return true
}

// Sweep destroys rooms idle past the expiry window and returns how many were
// removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, room := range r.rooms {
		if r.expired(room, now) && len(room.members) == 0 {
			delete(r.rooms, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Expired rooms removed", slog.Int("count", removed))
	}
	return removed
}

// RunJanitor sweeps periodically until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) expired(room *Room, now time.Time) bool {
	if r.idleExpiry <= 0 {
		return false
	}
	return now.Sub(room.LastActivity) > r.idleExpiry
}

// keyPrefix truncates a secret key for logging. Full keys are capability
// tokens and must never reach the logs.
func keyPrefix(key string) string {
	if len(key) <= 5 {
		return key
	}
	return key[:5] + "..."
}
