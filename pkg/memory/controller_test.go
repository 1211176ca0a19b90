package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProfile struct {
	snapshot string
	err      error

	mu       sync.Mutex
	observed int
}

func (p *stubProfile) Snapshot(ctx context.Context, userID string) (string, error) {
	return p.snapshot, p.err
}

func (p *stubProfile) Observe(ctx context.Context, userID string, msgs []ConversationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.observed++

	return nil
}

func newTestController(gen *MockGenerator, profile ProfileProvider) (*Controller, *MockSessionRepo, *MockDocumentRepo) {
	cfg := DefaultConfig()

	sessions := NewMockSessionRepo(cfg.SessionTTL, cfg.MaxMessages)
	docs := NewMockDocumentRepo()
	vectors := NewMockVectorRepo()
	graph := NewMockGraphRepo()
	embedder := &MockEmbedder{}

	retriever := NewRetriever(cfg, gen, embedder, docs, vectors, graph)
	extractor := NewExtractor(cfg, gen, embedder, docs, vectors, graph, sessions)

	return NewController(cfg, sessions, retriever, extractor, gen, profile), sessions, docs
}

func TestChatTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("normal turn records both messages", func(t *testing.T) {
		gen := &MockGenerator{Reply: `{"intent": "smalltalk", "keywords": []}`}
		gen.Replies = []string{`{"intent": "smalltalk", "keywords": []}`, "Hello! How can I help?"}

		c, sessions, _ := newTestController(gen, nil)

		resp, err := c.Chat(ctx, ChatRequest{
			UserID:  "u1",
			AgentID: "a1",
			Message: "hi there",
			Options: DefaultChatOptions(),
		})
		require.NoError(t, err)

		assert.Equal(t, "Hello! How can I help?", resp.Reply)
		assert.NotEmpty(t, resp.SessionID)
		assert.Equal(t, 2, resp.TurnCount)

		session, err := sessions.Get(ctx, resp.SessionID)
		require.NoError(t, err)
		require.Len(t, session.Messages, 2)
		assert.Equal(t, RoleUser, session.Messages[0].Role)
		assert.Equal(t, RoleAssistant, session.Messages[1].Role)
	})

	t.Run("generation failure yields the apology and a complete turn", func(t *testing.T) {
		gen := &MockGenerator{Err: fmt.Errorf("provider outage")}

		c, sessions, _ := newTestController(gen, nil)

		resp, err := c.Chat(ctx, ChatRequest{
			UserID:  "u1",
			Message: "hi",
			Options: DefaultChatOptions(),
		})
		require.NoError(t, err)

		assert.Equal(t, ApologyReply, resp.Reply)

		session, err := sessions.Get(ctx, resp.SessionID)
		require.NoError(t, err)
		assert.Len(t, session.Messages, 2, "the apology is recorded as the assistant turn")
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		c, _, _ := newTestController(&MockGenerator{Reply: "ok"}, nil)

		_, err := c.Chat(ctx, ChatRequest{UserID: "u1", Message: "   "})
		assert.Error(t, err)
	})

	t.Run("profile failure degrades to no profile", func(t *testing.T) {
		gen := &MockGenerator{Reply: "ok"}
		profile := &stubProfile{err: fmt.Errorf("profile store down")}

		c, _, _ := newTestController(gen, profile)

		resp, err := c.Chat(ctx, ChatRequest{
			UserID:  "u1",
			Message: "hi",
			Options: DefaultChatOptions(),
		})
		require.NoError(t, err)
		assert.False(t, resp.ProfileUsed)
		assert.Equal(t, "ok", resp.Reply)
	})

	t.Run("profile snapshot is marked used", func(t *testing.T) {
		gen := &MockGenerator{Reply: "ok"}
		profile := &stubProfile{snapshot: "prefers jazz, allergic to peanuts"}

		c, _, _ := newTestController(gen, profile)

		resp, err := c.Chat(ctx, ChatRequest{
			UserID:  "u1",
			Message: "hi",
			Options: DefaultChatOptions(),
		})
		require.NoError(t, err)
		assert.True(t, resp.ProfileUsed)
	})

	t.Run("session id is reused across turns", func(t *testing.T) {
		gen := &MockGenerator{Reply: "ok"}
		c, _, _ := newTestController(gen, nil)

		first, err := c.Chat(ctx, ChatRequest{UserID: "u1", Message: "one"})
		require.NoError(t, err)

		second, err := c.Chat(ctx, ChatRequest{
			UserID:    "u1",
			SessionID: first.SessionID,
			Message:   "two",
		})
		require.NoError(t, err)

		assert.Equal(t, first.SessionID, second.SessionID)
		assert.Equal(t, 4, second.TurnCount)
	})
}

func TestExtractionTrigger(t *testing.T) {
	ctx := context.Background()

	gen := &MockGenerator{Reply: `{"episodic": [], "semantic": []}`}
	profile := &stubProfile{}

	c, _, _ := newTestController(gen, profile)
	c.cfg.ExtractionWindow = 2

	done := make(chan struct{}, 1)

	c.OnExtracted = func(result *ExtractionResult, err error) {
		assert.NoError(t, err)
		done <- struct{}{}
	}

	resp, err := c.Chat(ctx, ChatRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.True(t, resp.ExtractionRan, "two messages in the buffer hit the window of two")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background extraction never completed")
	}

	// The profile learns from the buffer on the same trigger.
	profile.mu.Lock()
	defer profile.mu.Unlock()
	assert.Equal(t, 1, profile.observed)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()

	gen := &MockGenerator{Reply: `{"episodic": [], "semantic": []}`}
	profile := &stubProfile{}

	c, sessions, _ := newTestController(gen, profile)

	resp, err := c.Chat(ctx, ChatRequest{UserID: "u1", Message: "remember this"})
	require.NoError(t, err)

	require.NoError(t, c.EndSession(ctx, resp.SessionID))

	_, err = sessions.Get(ctx, resp.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	profile.mu.Lock()
	defer profile.mu.Unlock()
	assert.Equal(t, 1, profile.observed)
}
