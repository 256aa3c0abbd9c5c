package room_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/emrefkucuk/transcrypt/pkg/room"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *room.Registry {
	return room.NewRegistry(newTestLogger(), 32, time.Hour)
}

func TestCreateAndCheckRoom(t *testing.T) {
	r := newTestRegistry()

	key, err := r.CreateRoom(1, room.LabelDirect)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if key == "" {
		t.Fatal("CreateRoom returned an empty key")
	}

	if !r.CheckRoom(key) {
		t.Error("CheckRoom returned false for a freshly created room")
	}
	if r.CheckRoom("never-issued-key") {
		t.Error("CheckRoom returned true for a key that was never issued")
	}

	key2, err := r.CreateRoom(0, room.LabelDirect)
	if err != nil {
		t.Fatalf("CreateRoom (2) failed: %v", err)
	}
	if key == key2 {
		t.Error("Two rooms received the same secret key")
	}
}

func TestCheckRoomIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	key, _ := r.CreateRoom(2, room.LabelDirect)

	if err := r.Join(key, uuid.New(), room.RoleSender); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	senders, receivers, _ := r.Counts(key)

	for i := 0; i < 10; i++ {
		r.CheckRoom(key)
	}

	s2, r2, _ := r.Counts(key)
	if s2 != senders || r2 != receivers {
		t.Errorf("CheckRoom mutated connection counts: got %d/%d, want %d/%d", s2, r2, senders, receivers)
	}
}

func TestReceiverCapacity(t *testing.T) {
	r := newTestRegistry()
	key, _ := r.CreateRoom(2, room.LabelDirect)

	if err := r.Join(key, uuid.New(), room.RoleReceiver); err != nil {
		t.Fatalf("Join (1st receiver) failed: %v", err)
	}
	if err := r.Join(key, uuid.New(), room.RoleReceiver); err != nil {
		t.Fatalf("Join (2nd receiver) failed: %v", err)
	}
	if err := r.Join(key, uuid.New(), room.RoleReceiver); err != room.ErrRoomFull {
		t.Errorf("Join (3rd receiver) expected ErrRoomFull, got %v", err)
	}

	// Senders are not capped by the registry.
	if err := r.Join(key, uuid.New(), room.RoleSender); err != nil {
		t.Errorf("Join (sender) failed on a receiver-full room: %v", err)
	}
}

func TestUnlimitedReceivers(t *testing.T) {
	r := newTestRegistry()
	key, _ := r.CreateRoom(0, room.LabelDirect)

	for i := 0; i < 20; i++ {
		if err := r.Join(key, uuid.New(), room.RoleReceiver); err != nil {
			t.Fatalf("Join (receiver %d) failed on an unlimited room: %v", i, err)
		}
	}
}

func TestLeaveFreesCapacity(t *testing.T) {
	r := newTestRegistry()
	key, _ := r.CreateRoom(1, room.LabelDirect)

	first := uuid.New()
	if err := r.Join(key, first, room.RoleReceiver); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := r.Join(key, uuid.New(), room.RoleReceiver); err != room.ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	r.Leave(key, first)
	if err := r.Join(key, uuid.New(), room.RoleReceiver); err != nil {
		t.Errorf("Join after Leave failed: %v", err)
	}

	// The key stays valid after everyone leaves.
	if !r.CheckRoom(key) {
		t.Error("CheckRoom returned false after membership emptied")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	r := newTestRegistry()
	if err := r.Join("no-such-key", uuid.New(), room.RoleSender); err != room.ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestIdleExpiry(t *testing.T) {
	r := room.NewRegistry(newTestLogger(), 32, 10*time.Millisecond)
	key, _ := r.CreateRoom(0, room.LabelDirect)

	if !r.CheckRoom(key) {
		t.Fatal("room invalid immediately after creation")
	}

	time.Sleep(25 * time.Millisecond)
	if r.CheckRoom(key) {
		t.Error("CheckRoom returned true for an idle-expired room")
	}
	if err := r.Join(key, uuid.New(), room.RoleSender); err != room.ErrRoomNotFound {
		t.Errorf("Join on expired room: expected ErrRoomNotFound, got %v", err)
	}

	if removed := r.Sweep(time.Now()); removed != 1 {
		t.Errorf("Sweep removed %d rooms, want 1", removed)
	}
}

func TestTouchDefersExpiry(t *testing.T) {
	r := room.NewRegistry(newTestLogger(), 32, 40*time.Millisecond)
	key, _ := r.CreateRoom(0, room.LabelDirect)

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		r.Touch(key)
	}
	if !r.CheckRoom(key) {
		t.Error("room expired despite activity")
	}
}
