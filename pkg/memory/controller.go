package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

// ApologyReply is returned when response generation fails. The turn still
// completes: the user message stays in working memory and the apology is
// appended as the assistant turn.
const ApologyReply = "I'm sorry, I'm having trouble responding right now. Please try again."

// historyWindow bounds how many recent messages are replayed to the
// generator per turn.
const historyWindow = 10

const defaultPersona = "a helpful in-car assistant"

/*
Controller sequences one conversation turn end to end: session bookkeeping,
memory retrieval, profile lookup, prompt assembly, response generation, and
the periodic extraction trigger. Context sources degrade independently; the
only way a turn fails outright is when working memory itself is
unavailable.
*/
type Controller struct {
	cfg       Config
	sessions  SessionRepo
	retriever *Retriever
	extractor *Extractor
	generator Generator
	profile   ProfileProvider

	// OnExtracted, when set, observes the result of each background
	// extraction run. Used by callers that need completion signals.
	OnExtracted func(*ExtractionResult, error)
}

// NewController wires a Controller. profile may be nil to disable the
// profile context step.
func NewController(
	cfg Config,
	sessions SessionRepo,
	retriever *Retriever,
	extractor *Extractor,
	generator Generator,
	profile ProfileProvider,
) *Controller {
	return &Controller{
		cfg:       cfg,
		sessions:  sessions,
		retriever: retriever,
		extractor: extractor,
		generator: generator,
		profile:   profile,
	}
}

// Chat processes one user turn and returns the assistant's reply.
func (c *Controller) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("controller: empty message")
	}

	sessionID := req.SessionID

	if sessionID == "" {
		sessionID = NewID("sess_")
	}

	if _, err := c.sessions.GetOrCreate(ctx, sessionID, req.UserID, req.AgentID); err != nil {
		return nil, fmt.Errorf("controller: open session %s: %w", sessionID, err)
	}

	session, err := c.sessions.Append(ctx, sessionID, NewMessage(RoleUser, req.Message))

	if err != nil {
		return nil, fmt.Errorf("controller: record user message: %w", err)
	}

	if session == nil {
		return nil, fmt.Errorf("controller: session %s expired mid-turn", sessionID)
	}

	retrieval := c.retrieveContext(ctx, req)
	profile := c.profileContext(ctx, req)

	reply := c.generate(ctx, req, session, retrieval, profile)

	session, err = c.sessions.Append(ctx, sessionID, NewMessage(RoleAssistant, reply))

	if err != nil {
		return nil, fmt.Errorf("controller: record assistant message: %w", err)
	}

	if session == nil {
		return nil, fmt.Errorf("controller: session %s expired mid-turn", sessionID)
	}

	response := &ChatResponse{
		SessionID:   sessionID,
		Reply:       reply,
		ProfileUsed: profile != "",
		TurnCount:   session.TurnCount,
	}

	if retrieval != nil {
		response.MemoriesUsed = append(retrieval.Episodic, retrieval.Semantic...)
	}

	if c.shouldExtract(session) {
		response.ExtractionRan = true
		c.triggerExtraction(ctx, sessionID)
	}

	return response, nil
}

// retrieveContext fetches memory context for the turn. Any failure
// degrades to no context.
func (c *Controller) retrieveContext(ctx context.Context, req ChatRequest) *RetrievalResult {
	if !req.Options.RetrieveMemories || c.retriever == nil {
		return nil
	}

	result, err := c.retriever.Retrieve(ctx, RetrievalQuery{
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		Query:        req.Message,
		IncludeGraph: true,
	})

	if err != nil {
		log.Warn("memory retrieval failed, continuing without context", "user", req.UserID, "error", err)
		return nil
	}

	return result
}

// profileContext fetches the user's profile snapshot. Any failure degrades
// to no profile.
func (c *Controller) profileContext(ctx context.Context, req ChatRequest) string {
	if !req.Options.IncludeProfile || c.profile == nil {
		return ""
	}

	snapshot, err := c.profile.Snapshot(ctx, req.UserID)

	if err != nil {
		log.Warn("profile lookup failed, continuing without profile", "user", req.UserID, "error", err)
		return ""
	}

	return snapshot
}

// generate assembles the system prompt and produces the reply, substituting
// the apology on failure.
func (c *Controller) generate(
	ctx context.Context,
	req ChatRequest,
	session *WorkingMemory,
	retrieval *RetrievalResult,
	profile string,
) string {
	system := c.systemPrompt(req.Options.Persona, retrieval, profile)

	history := session.Messages

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	reply, err := c.generator.GenerateWithHistory(ctx, system, history)

	if err != nil || strings.TrimSpace(reply) == "" {
		log.Warn("response generation failed", "session", session.SessionID, "error", err)
		return ApologyReply
	}

	return reply
}

func (c *Controller) systemPrompt(persona string, retrieval *RetrievalResult, profile string) string {
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder

	fmt.Fprintf(&b, "You are %s. Answer naturally and concisely.\n", persona)

	if block := BuildContext(retrieval); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}

	if profile != "" {
		b.WriteString("\nUser profile:\n")
		b.WriteString(profile)
		b.WriteString("\n")
	}

	return b.String()
}

// shouldExtract fires every ExtractionWindow messages.
func (c *Controller) shouldExtract(session *WorkingMemory) bool {
	if c.extractor == nil || c.cfg.ExtractionWindow <= 0 {
		return false
	}

	return len(session.Messages) > 0 && len(session.Messages)%c.cfg.ExtractionWindow == 0
}

// triggerExtraction runs extraction in the background on a context detached
// from the request, so a finished turn cannot cancel it. The profile learns
// from the same buffer on every trigger. Errors surface through OnExtracted
// and the log only.
func (c *Controller) triggerExtraction(ctx context.Context, sessionID string) {
	detached := context.WithoutCancel(ctx)

	go func() {
		result, err := c.extractor.ExtractFromSession(detached, sessionID)

		if err != nil {
			log.Warn("background extraction failed", "session", sessionID, "error", err)
		}

		c.observeProfile(detached, sessionID)

		if c.OnExtracted != nil {
			c.OnExtracted(result, err)
		}
	}()
}

// observeProfile feeds the session buffer to the profile provider. Failures
// only log.
func (c *Controller) observeProfile(ctx context.Context, sessionID string) {
	if c.profile == nil {
		return
	}

	session, err := c.sessions.Get(ctx, sessionID)

	if err != nil {
		return
	}

	if err := c.profile.Observe(ctx, session.UserID, session.Messages); err != nil {
		log.Warn("profile update failed", "session", sessionID, "error", err)
	}
}

// EndSession extracts remaining memories from the session and deletes it.
func (c *Controller) EndSession(ctx context.Context, sessionID string) error {
	if c.extractor != nil {
		if _, err := c.extractor.ExtractFromSession(ctx, sessionID); err != nil {
			log.Warn("final extraction failed", "session", sessionID, "error", err)
		}
	}

	c.observeProfile(ctx, sessionID)

	return c.sessions.Delete(ctx, sessionID)
}
