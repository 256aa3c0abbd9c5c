// Package p2p negotiates a direct transport between sender and receiver by
// exchanging offer/answer/ICE-candidate blobs through a shared low-bandwidth
// side channel, then runs the transfer codec over the resulting data
// channel. P2P is strictly an optimization: every failure path returns a
// typed error so the caller can fall back to the relay.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrExchangeNotFound = errors.New("unknown connection code")
	ErrExchangeExists   = errors.New("connection code already in use")
	ErrSignalingTimeout = errors.New("signaling did not complete within the timeout")
	ErrConnectFailed    = errors.New("direct transport failed to connect")
	ErrChannelNotOpen   = errors.New("data channel is not open")
)

// Role distinguishes the two sides of one signaling exchange.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Record is one signaling exchange, scoped to a connection code. Offer,
// answer and candidates are opaque blobs; the store never interprets them.
type Record struct {
	ConnectionCode     string
	Offer              json.RawMessage
	Answer             json.RawMessage
	SenderCandidates   []json.RawMessage
	ReceiverCandidates []json.RawMessage
	CreatedAt          time.Time
}

// SignalChannel is the shared side channel both bridges talk through. The
// in-process Store implements it; a relay-backed implementation can too.
type SignalChannel interface {
	CreateExchange(ctx context.Context, code string) error
	Fetch(ctx context.Context, code string) (Record, error)
	PublishOffer(ctx context.Context, code string, offer json.RawMessage) error
	PublishAnswer(ctx context.Context, code string, answer json.RawMessage) error
	PublishCandidate(ctx context.Context, code string, role Role, candidate json.RawMessage) error
	Discard(ctx context.Context, code string) error
}

// Store is the in-memory signaling record store. Records live for a bounded
// TTL and are discarded once the direct transport connects.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
}

var _ SignalChannel = (*Store)(nil)

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{records: make(map[string]*Record), ttl: ttl}
}

func (s *Store) CreateExchange(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[code]; exists {
		return ErrExchangeExists
	}
	s.records[code] = &Record{ConnectionCode: code, CreatedAt: time.Now()}
	return nil
}

func (s *Store) Fetch(_ context.Context, code string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[code]
	if !ok {
		return Record{}, ErrExchangeNotFound
	}
	snapshot := *rec
	snapshot.SenderCandidates = append([]json.RawMessage(nil), rec.SenderCandidates...)
	snapshot.ReceiverCandidates = append([]json.RawMessage(nil), rec.ReceiverCandidates...)
	return snapshot, nil
}

func (s *Store) PublishOffer(_ context.Context, code string, offer json.RawMessage) error {
	return s.update(code, func(rec *Record) { rec.Offer = offer })
}

func (s *Store) PublishAnswer(_ context.Context, code string, answer json.RawMessage) error {
	return s.update(code, func(rec *Record) { rec.Answer = answer })
}

func (s *Store) PublishCandidate(_ context.Context, code string, role Role, candidate json.RawMessage) error {
	return s.update(code, func(rec *Record) {
		if role == RoleSender {
			rec.SenderCandidates = append(rec.SenderCandidates, candidate)
		} else {
			rec.ReceiverCandidates = append(rec.ReceiverCandidates, candidate)
		}
	})
}

func (s *Store) Discard(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, code)
	return nil
}

func (s *Store) update(code string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[code]
	if !ok {
		return ErrExchangeNotFound
	}
	fn(rec)
	return nil
}

// Sweep drops records older than the TTL and returns the removal count.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, rec := range s.records {
		if now.Sub(rec.CreatedAt) > s.ttl {
			delete(s.records, code)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps periodically until ctx is cancelled.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// codeAlphabet omits characters easily confused when read aloud or typed.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateCode returns a short human-copyable token for one signaling
// exchange, distinct from the room's secret key.
func GenerateCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
