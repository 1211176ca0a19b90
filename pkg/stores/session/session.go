// Package session implements working memory on top of a ristretto cache
// with per-entry TTLs. Sessions vanish on expiry without any sweeper
// goroutine; the cache handles eviction.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/theapemachine/mnemo/pkg/memory"
)

// Store is a memory.SessionRepo backed by ristretto. A plain map indexes
// live session ids per user, since the cache itself cannot enumerate keys.
type Store struct {
	cache *ristretto.Cache
	ttl   time.Duration
	max   int

	mu     sync.Mutex
	byUser map[string]map[string]bool
}

// New builds a session store. ttlSeconds and maxMessages fall back to 30
// minutes and 50 when zero.
func New(ttlSeconds, maxMessages int) (*Store, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = 1800
	}

	if maxMessages <= 0 {
		maxMessages = 50
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})

	if err != nil {
		return nil, err
	}

	return &Store{
		cache:  cache,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		max:    maxMessages,
		byUser: map[string]map[string]bool{},
	}, nil
}

// Close releases the cache.
func (s *Store) Close() error {
	s.cache.Close()
	return nil
}

func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID, agentID string) (*memory.WorkingMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wm := s.lookup(sessionID); wm != nil {
		return copySession(wm), nil
	}

	now := time.Now().UTC()

	wm := &memory.WorkingMemory{
		SessionID: sessionID,
		UserID:    userID,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.put(wm)
	s.index(userID, sessionID)

	return copySession(wm), nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*memory.WorkingMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wm := s.lookup(sessionID)

	if wm == nil {
		return nil, memory.ErrNotFound
	}

	return copySession(wm), nil
}

func (s *Store) Append(ctx context.Context, sessionID string, msg memory.ConversationMessage) (*memory.WorkingMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wm := s.lookup(sessionID)

	// Appending to a missing or expired session is a no-op.
	if wm == nil {
		return nil, nil
	}

	wm.Messages = append(wm.Messages, msg)

	// Cap the buffer, dropping oldest first.
	if len(wm.Messages) > s.max {
		wm.Messages = wm.Messages[len(wm.Messages)-s.max:]
	}

	wm.TurnCount++
	wm.ExpiresAt = time.Now().UTC().Add(s.ttl)

	s.put(wm)

	return copySession(wm), nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wm := s.lookup(sessionID); wm != nil {
		s.unindex(wm.UserID, sessionID)
	}

	s.cache.Del(sessionID)

	return nil
}

func (s *Store) UserSessions(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	for id := range s.byUser[userID] {
		// Expired sessions drop out of the index lazily.
		if s.lookup(id) == nil {
			s.unindex(userID, id)
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// lookup returns the live session or nil. Entries past their wall-clock
// expiry are treated as gone even if the cache still holds them.
func (s *Store) lookup(sessionID string) *memory.WorkingMemory {
	value, ok := s.cache.Get(sessionID)

	if !ok {
		return nil
	}

	wm, ok := value.(*memory.WorkingMemory)

	if !ok || time.Now().After(wm.ExpiresAt) {
		return nil
	}

	return wm
}

// put stores the session and waits so the write is immediately readable.
func (s *Store) put(wm *memory.WorkingMemory) {
	s.cache.SetWithTTL(wm.SessionID, wm, 1, s.ttl)
	s.cache.Wait()
}

func (s *Store) index(userID, sessionID string) {
	if s.byUser[userID] == nil {
		s.byUser[userID] = map[string]bool{}
	}

	s.byUser[userID][sessionID] = true
}

func (s *Store) unindex(userID, sessionID string) {
	delete(s.byUser[userID], sessionID)

	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
}

func copySession(wm *memory.WorkingMemory) *memory.WorkingMemory {
	cp := *wm
	cp.Messages = append([]memory.ConversationMessage(nil), wm.Messages...)

	return &cp
}
