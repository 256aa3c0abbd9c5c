package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// artifactStore holds stego image carriers for download. Artifacts are
// ephemeral like everything else here: in memory only, expired after a TTL.
type artifactStore struct {
	mu    sync.Mutex
	items map[string]artifact
	ttl   time.Duration
}

type artifact struct {
	data      []byte
	createdAt time.Time
}

func newArtifactStore(ttl time.Duration) *artifactStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &artifactStore{items: make(map[string]artifact), ttl: ttl}
}

// Put stores the image and returns its generated download name.
func (s *artifactStore) Put(data []byte) string {
	name := uuid.NewString() + ".png"
	s.mu.Lock()
	s.items[name] = artifact{data: data, createdAt: time.Now()}
	s.mu.Unlock()
	return name
}

func (s *artifactStore) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[name]
	if !ok || time.Since(item.createdAt) > s.ttl {
		delete(s.items, name)
		return nil, false
	}
	return item.data, true
}

func (s *artifactStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, item := range s.items {
		if now.Sub(item.createdAt) > s.ttl {
			delete(s.items, name)
		}
	}
}

// RunJanitor sweeps expired artifacts until ctx is cancelled.
func (s *artifactStore) RunJanitor(ctx context.Context, interval time.Duration) {
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
