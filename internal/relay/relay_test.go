package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/emrefkucuk/transcrypt/internal/codec"
	"github.com/emrefkucuk/transcrypt/internal/envelope"
	"github.com/emrefkucuk/transcrypt/pkg/protocol"
	"github.com/emrefkucuk/transcrypt/pkg/room"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakePeer records everything the hub sends to it.
type fakePeer struct {
	id uuid.UUID

	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.New()}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(message []byte) {
	p.mu.Lock()
	p.texts = append(p.texts, message)
	p.mu.Unlock()
}

func (p *fakePeer) SendBinary(payload []byte) {
	p.mu.Lock()
	p.binary = append(p.binary, payload)
	p.mu.Unlock()
}

func (p *fakePeer) messagesOfType(msgType string) []gjson.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []gjson.Result
	for _, raw := range p.texts {
		parsed := gjson.ParseBytes(raw)
		if parsed.Get("type").String() == msgType {
			out = append(out, parsed)
		}
	}
	return out
}

func (p *fakePeer) lastOfType(t *testing.T, msgType string) gjson.Result {
	t.Helper()
	msgs := p.messagesOfType(msgType)
	if len(msgs) == 0 {
		t.Fatalf("expected at least one %q message, got none", msgType)
	}
	return msgs[len(msgs)-1]
}

func (p *fakePeer) binaryFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.binary))
	copy(out, p.binary)
	return out
}

func newTestHub(t *testing.T, maxFileSize int64) (*Hub, *room.Registry, string) {
	t.Helper()
	logger := newTestLogger()
	registry := room.NewRegistry(logger, 32, time.Hour)
	key, err := registry.CreateRoom(1, room.LabelDirect)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	return NewHub(logger, registry, maxFileSize), registry, key
}

func TestRoomStatusBroadcast(t *testing.T) {
	hub, _, key := newTestHub(t, 0)

	sender := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}

	status := sender.lastOfType(t, protocol.TypeRoomStatus)
	if status.Get("ready_to_transfer").Bool() {
		t.Error("room reported ready with no receiver present")
	}

	receiver := newFakePeer()
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	for _, p := range []*fakePeer{sender, receiver} {
		status := p.lastOfType(t, protocol.TypeRoomStatus)
		if got := status.Get("senders").Int(); got != 1 {
			t.Errorf("senders = %d, want 1", got)
		}
		if got := status.Get("receivers").Int(); got != 1 {
			t.Errorf("receivers = %d, want 1", got)
		}
		if !status.Get("ready_to_transfer").Bool() {
			t.Error("room not ready with sender and receiver present")
		}
	}
}

// runTransfer pushes a sealed payload through the hub as the sender and
// returns the sender and receiver peers for inspection.
func runTransfer(t *testing.T, hub *Hub, key string, payload []byte, opts protocol.EncryptionOptions) (*fakePeer, *fakePeer, *envelope.Envelope) {
	t.Helper()
	ctx := context.Background()

	sender := newFakePeer()
	receiver := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	env, err := envelope.Seal(payload, opts)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	start := protocol.Marshal(protocol.StartTransfer{
		Type:               protocol.TypeStartTransfer,
		Filename:           "report.pdf",
		Filesize:           int64(len(payload)),
		EncryptionOptions:  opts,
		EncryptionMetadata: env.Metadata(),
	})
	hub.HandleMessage(ctx, sender.ID(), false, start)

	total := codec.Plan(int64(len(env.Ciphertext)), codec.RelayChunkSize)
	for id := 0; id < total; id++ {
		lo := id * codec.RelayChunkSize
		hi := lo + codec.RelayChunkSize
		if hi > len(env.Ciphertext) {
			hi = len(env.Ciphertext)
		}
		hub.HandleMessage(ctx, sender.ID(), true, env.Ciphertext[lo:hi])
		hub.HandleMessage(ctx, sender.ID(), false, protocol.Marshal(protocol.ChunkMeta{
			Type:        protocol.TypeChunkMeta,
			ChunkID:     id,
			TotalChunks: total,
		}))
	}
	return sender, receiver, env
}

func TestEncryptedTransferEndToEnd(t *testing.T) {
	hub, _, key := newTestHub(t, 10<<20)

	payload := make([]byte, 200*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	opts := protocol.EncryptionOptions{Method: protocol.MethodAESGCM, IntegrityCheck: true}

	sender, receiver, env := runTransfer(t, hub, key, payload, opts)

	announce := receiver.lastOfType(t, protocol.TypeTransferStart)
	if got := announce.Get("filename").String(); got != "report.pdf" {
		t.Errorf("transfer_start filename = %q", got)
	}
	if got := announce.Get("encryptionOptions.method").String(); got != protocol.MethodAESGCM {
		t.Errorf("transfer_start method = %q", got)
	}

	// 200KB ciphertext plus tag occupies four 64KB relay chunks.
	frames := receiver.binaryFrames()
	if len(frames) != 4 {
		t.Fatalf("receiver got %d binary frames, want 4", len(frames))
	}
	ciphertext := bytes.Join(frames, nil)
	if !bytes.Equal(ciphertext, env.Ciphertext) {
		t.Fatal("relayed ciphertext does not match sealed ciphertext")
	}

	// Key material travels exactly once, on the first progress message.
	progress := receiver.messagesOfType(protocol.TypeTransferProgress)
	if len(progress) != 4 {
		t.Fatalf("receiver got %d progress messages, want 4", len(progress))
	}
	if !progress[0].Get("encryption_metadata").Exists() {
		t.Error("first progress message is missing encryption metadata")
	}
	for i, pm := range progress[1:] {
		if pm.Get("encryption_metadata").Exists() {
			t.Errorf("progress message %d repeats encryption metadata", i+1)
		}
	}
	for _, pm := range sender.messagesOfType(protocol.TypeTransferProgress) {
		if pm.Get("encryption_metadata").Exists() {
			t.Error("sender progress message carries encryption metadata")
		}
	}

	var meta protocol.EncryptionMetadata
	if err := json.Unmarshal([]byte(progress[0].Get("encryption_metadata").Raw), &meta); err != nil {
		t.Fatalf("unmarshal encryption metadata: %v", err)
	}
	plaintext, err := envelope.Open(ciphertext, meta)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatal("decrypted payload does not match original")
	}
	if !envelope.VerifyIntegrity(plaintext, meta.FileHash) {
		t.Error("integrity digest mismatch after relay")
	}

	for _, p := range []*fakePeer{sender, receiver} {
		done := p.lastOfType(t, protocol.TypeTransferComplete)
		if got := done.Get("filename").String(); got != "report.pdf" {
			t.Errorf("transfer_complete filename = %q", got)
		}
		if !done.Get("integrity_verified").Bool() {
			t.Error("transfer_complete integrity_verified is not true")
		}
	}
}

func TestPlaintextTransfer(t *testing.T) {
	hub, _, key := newTestHub(t, 0)

	payload := []byte("small plaintext payload")
	_, receiver, _ := runTransfer(t, hub, key, payload, protocol.EncryptionOptions{Method: protocol.MethodNone})

	frames := receiver.binaryFrames()
	if got := bytes.Join(frames, nil); !bytes.Equal(got, payload) {
		t.Fatal("plaintext payload corrupted in relay")
	}
	done := receiver.lastOfType(t, protocol.TypeTransferComplete)
	if done.Get("integrity_verified").Exists() {
		t.Error("integrity field present on a transfer without integrity check")
	}
}

func TestReceiverCapacityRejection(t *testing.T) {
	hub, registry, key := newTestHub(t, 0)

	sender := newFakePeer()
	first := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(first, key, room.RoleReceiver); err != nil {
		t.Fatalf("first receiver join failed: %v", err)
	}

	second := newFakePeer()
	if err := hub.Join(second, key, room.RoleReceiver); err != room.ErrRoomFull {
		t.Fatalf("second receiver join = %v, want ErrRoomFull", err)
	}

	// The rejected join must not corrupt the existing membership.
	senders, receivers, ok := registry.Counts(key)
	if !ok || senders != 1 || receivers != 1 {
		t.Errorf("counts after rejection = (%d, %d, %v), want (1, 1, true)", senders, receivers, ok)
	}
}

func TestSecondTransferRejected(t *testing.T) {
	hub, _, key := newTestHub(t, 0)
	ctx := context.Background()

	sender := newFakePeer()
	receiver := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	start := protocol.Marshal(protocol.StartTransfer{
		Type:     protocol.TypeStartTransfer,
		Filename: "a.bin",
		Filesize: 1,
	})
	hub.HandleMessage(ctx, sender.ID(), false, start)
	hub.HandleMessage(ctx, sender.ID(), false, start)

	errMsg := sender.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("kind").String(); got != protocol.KindTransferInProgress {
		t.Errorf("error kind = %q, want %q", got, protocol.KindTransferInProgress)
	}
	if got := errMsg.Get("message").String(); got != "An active transfer is already in progress" {
		t.Errorf("error message = %q", got)
	}
}

func TestReceiverCannotStartTransfer(t *testing.T) {
	hub, _, key := newTestHub(t, 0)

	receiver := newFakePeer()
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}
	hub.HandleMessage(context.Background(), receiver.ID(), false, protocol.Marshal(protocol.StartTransfer{
		Type: protocol.TypeStartTransfer, Filename: "x", Filesize: 1,
	}))

	errMsg := receiver.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("kind").String(); got != protocol.KindProtocol {
		t.Errorf("error kind = %q, want %q", got, protocol.KindProtocol)
	}
}

func TestUnsupportedEncryptionRejected(t *testing.T) {
	hub, _, key := newTestHub(t, 0)

	sender := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	hub.HandleMessage(context.Background(), sender.ID(), false, protocol.Marshal(protocol.StartTransfer{
		Type:              protocol.TypeStartTransfer,
		Filename:          "x",
		Filesize:          1,
		EncryptionOptions: protocol.EncryptionOptions{Method: "xor"},
	}))

	errMsg := sender.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("kind").String(); got != protocol.KindUnsupportedEncryption {
		t.Errorf("error kind = %q, want %q", got, protocol.KindUnsupportedEncryption)
	}
}

func TestSenderLeaveAbortsTransfer(t *testing.T) {
	hub, _, key := newTestHub(t, 0)
	ctx := context.Background()

	sender := newFakePeer()
	receiver := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	hub.HandleMessage(ctx, sender.ID(), false, protocol.Marshal(protocol.StartTransfer{
		Type: protocol.TypeStartTransfer, Filename: "half.bin", Filesize: 1024,
	}))
	hub.Leave(sender.ID())

	errMsg := receiver.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("message").String(); got != "Transfer aborted: sender disconnected" {
		t.Errorf("abort message = %q", got)
	}

	// The room must accept a fresh transfer after the abort.
	replacement := newFakePeer()
	if err := hub.Join(replacement, key, room.RoleSender); err != nil {
		t.Fatalf("replacement sender join failed: %v", err)
	}
	hub.HandleMessage(ctx, replacement.ID(), false, protocol.Marshal(protocol.StartTransfer{
		Type: protocol.TypeStartTransfer, Filename: "retry.bin", Filesize: 1,
	}))
	announce := receiver.lastOfType(t, protocol.TypeTransferStart)
	if got := announce.Get("filename").String(); got != "retry.bin" {
		t.Errorf("retry announcement filename = %q", got)
	}
}

func TestSignalRoutedToOppositeRole(t *testing.T) {
	hub, _, key := newTestHub(t, 0)
	ctx := context.Background()

	sender := newFakePeer()
	receiver := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	offer := protocol.Marshal(protocol.P2PSignal{
		Type:   protocol.TypeP2PSignal,
		Signal: json.RawMessage(`{"sdp":"v=0","kind":"offer"}`),
	})
	hub.HandleMessage(ctx, sender.ID(), false, offer)

	got := receiver.lastOfType(t, protocol.TypeP2PSignal)
	if got.Get("signal.sdp").String() != "v=0" {
		t.Error("receiver did not get the forwarded signaling payload")
	}
	if len(sender.messagesOfType(protocol.TypeP2PSignal)) != 0 {
		t.Error("signal echoed back to its origin")
	}

	answer := protocol.Marshal(protocol.P2PSignal{
		Type:   protocol.TypeP2PSignal,
		Signal: json.RawMessage(`{"sdp":"v=1","kind":"answer"}`),
	})
	hub.HandleMessage(ctx, receiver.ID(), false, answer)
	if got := sender.lastOfType(t, protocol.TypeP2PSignal); got.Get("signal.sdp").String() != "v=1" {
		t.Error("sender did not get the answer payload")
	}
}

func TestStartTransferRequiresReceiver(t *testing.T) {
	hub, _, key := newTestHub(t, 0)
	ctx := context.Background()

	sender := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}

	start := protocol.Marshal(protocol.StartTransfer{
		Type: protocol.TypeStartTransfer, Filename: "lonely.bin", Filesize: 1,
	})
	hub.HandleMessage(ctx, sender.ID(), false, start)

	errMsg := sender.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("kind").String(); got != protocol.KindProtocol {
		t.Errorf("error kind = %q, want %q", got, protocol.KindProtocol)
	}

	// Once a receiver joins, the same start succeeds.
	receiver := newFakePeer()
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}
	hub.HandleMessage(ctx, sender.ID(), false, start)
	announce := receiver.lastOfType(t, protocol.TypeTransferStart)
	if got := announce.Get("filename").String(); got != "lonely.bin" {
		t.Errorf("transfer_start filename = %q", got)
	}
}

func TestTypelessChunkMetadata(t *testing.T) {
	hub, _, key := newTestHub(t, 0)
	ctx := context.Background()

	sender := newFakePeer()
	receiver := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	if err := hub.Join(receiver, key, room.RoleReceiver); err != nil {
		t.Fatalf("receiver join failed: %v", err)
	}

	payload := []byte("chunk payload")
	hub.HandleMessage(ctx, sender.ID(), false, protocol.Marshal(protocol.StartTransfer{
		Type: protocol.TypeStartTransfer, Filename: "bare.bin", Filesize: int64(len(payload)),
	}))
	hub.HandleMessage(ctx, sender.ID(), true, payload)
	// Pairing is positional; the metadata frame needs no type discriminator.
	hub.HandleMessage(ctx, sender.ID(), false, []byte(`{"chunk_id":0,"total_chunks":1}`))

	frames := receiver.binaryFrames()
	if len(frames) != 1 || !bytes.Equal(frames[0], payload) {
		t.Fatalf("receiver frames = %v, want the relayed chunk", frames)
	}
	done := receiver.lastOfType(t, protocol.TypeTransferComplete)
	if got := done.Get("filename").String(); got != "bare.bin" {
		t.Errorf("transfer_complete filename = %q", got)
	}
	if len(sender.messagesOfType(protocol.TypeError)) != 0 {
		t.Error("typeless chunk metadata drew a protocol error")
	}
}

func TestUnknownMessageType(t *testing.T) {
	hub, _, key := newTestHub(t, 0)

	sender := newFakePeer()
	if err := hub.Join(sender, key, room.RoleSender); err != nil {
		t.Fatalf("sender join failed: %v", err)
	}
	hub.HandleMessage(context.Background(), sender.ID(), false, []byte(`{"type":"bogus"}`))

	errMsg := sender.lastOfType(t, protocol.TypeError)
	if got := errMsg.Get("kind").String(); got != protocol.KindProtocol {
		t.Errorf("error kind = %q, want %q", got, protocol.KindProtocol)
	}
}
