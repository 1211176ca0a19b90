// Package profile maintains long-lived user profiles distilled from
// conversations: stable preferences, relationships, interests and habits.
// The Controller consumes profiles as prompt context through the
// memory.ProfileProvider contract; updates happen out of band when a
// session ends.
package profile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/mnemo/pkg/memory"
)

// Profile is one user's accumulated profile.
type Profile struct {
	UserID        string            `json:"user_id"`
	Preferences   map[string]string `json:"preferences"`
	Relationships []Relationship    `json:"relationships"`
	Interests     []string          `json:"interests"`
	Habits        []string          `json:"habits"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Relationship links the user to a named person.
type Relationship struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
}

// Repo persists profiles. Load returns memory.ErrNotFound for unknown
// users.
type Repo interface {
	Load(ctx context.Context, userID string) (*Profile, error)
	Save(ctx context.Context, profile *Profile) error
	Delete(ctx context.Context, userID string) error
}

// Manager implements memory.ProfileProvider on top of a Repo and a
// generator for conversation-driven updates.
type Manager struct {
	repo      Repo
	generator memory.Generator
}

// NewManager wires a profile manager. generator may be nil, which disables
// Observe.
func NewManager(repo Repo, generator memory.Generator) *Manager {
	return &Manager{repo: repo, generator: generator}
}

// Get returns a user's profile, or an empty one for unknown users.
func (m *Manager) Get(ctx context.Context, userID string) (*Profile, error) {
	profile, err := m.repo.Load(ctx, userID)

	if err == memory.ErrNotFound {
		return &Profile{UserID: userID, Preferences: map[string]string{}}, nil
	}

	if err != nil {
		return nil, err
	}

	return profile, nil
}

// Snapshot renders a compact profile block for prompt assembly. An empty
// string means there is nothing worth injecting.
func (m *Manager) Snapshot(ctx context.Context, userID string) (string, error) {
	profile, err := m.repo.Load(ctx, userID)

	if err == memory.ErrNotFound {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	var lines []string

	if len(profile.Preferences) > 0 {
		keys := make([]string, 0, len(profile.Preferences))

		for k := range profile.Preferences {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		var prefs []string

		for _, k := range keys {
			prefs = append(prefs, fmt.Sprintf("%s: %s", k, profile.Preferences[k]))
		}

		lines = append(lines, "Preferences: "+strings.Join(prefs, "; "))
	}

	if len(profile.Relationships) > 0 {
		var rels []string

		for _, r := range profile.Relationships {
			rels = append(rels, fmt.Sprintf("%s (%s)", r.Name, r.Relation))
		}

		lines = append(lines, "People: "+strings.Join(rels, ", "))
	}

	if len(profile.Interests) > 0 {
		lines = append(lines, "Interests: "+strings.Join(profile.Interests, ", "))
	}

	if len(profile.Habits) > 0 {
		lines = append(lines, "Habits: "+strings.Join(profile.Habits, ", "))
	}

	return strings.Join(lines, "\n"), nil
}

const updateSystemPrompt = `You maintain a user profile from conversation transcripts.
Given the current profile and a new transcript, return ONLY a JSON object:
{
  "preferences": {"key": "value"},
  "relationships": [{"name": "...", "relation": "..."}],
  "interests": ["..."],
  "habits": ["..."]
}
Carry over everything still true from the current profile and add what the
transcript newly establishes. Record only explicit information.`

type profileUpdate struct {
	Preferences   map[string]string `json:"preferences"`
	Relationships []Relationship    `json:"relationships"`
	Interests     []string          `json:"interests"`
	Habits        []string          `json:"habits"`
}

// Observe updates the profile from a finished conversation window.
// Malformed model output is discarded; the stored profile is never
// replaced with garbage.
func (m *Manager) Observe(ctx context.Context, userID string, msgs []memory.ConversationMessage) error {
	if m.generator == nil || len(msgs) == 0 {
		return nil
	}

	current, err := m.Get(ctx, userID)

	if err != nil {
		return err
	}

	var prompt strings.Builder

	prompt.WriteString("Current profile:\n")
	fmt.Fprintf(&prompt, "preferences: %v\n", current.Preferences)
	fmt.Fprintf(&prompt, "relationships: %v\n", current.Relationships)
	fmt.Fprintf(&prompt, "interests: %v\n", current.Interests)
	fmt.Fprintf(&prompt, "habits: %v\n", current.Habits)
	prompt.WriteString("\nTranscript:\n")

	for _, msg := range msgs {
		fmt.Fprintf(&prompt, "%s: %s\n", msg.Role, msg.Content)
	}

	var update profileUpdate

	if err := memory.GenerateJSON(ctx, m.generator, updateSystemPrompt, prompt.String(), &update); err != nil {
		log.Warn("profile update discarded", "user", userID, "error", err)
		return nil
	}

	if update.Preferences == nil &&
		update.Relationships == nil &&
		update.Interests == nil &&
		update.Habits == nil {
		return nil
	}

	current.Preferences = mergePreferences(current.Preferences, update.Preferences)
	current.Relationships = mergeRelationships(current.Relationships, update.Relationships)
	current.Interests = mergeStrings(current.Interests, update.Interests)
	current.Habits = mergeStrings(current.Habits, update.Habits)
	current.UpdatedAt = time.Now().UTC()

	return m.repo.Save(ctx, current)
}

func mergePreferences(current, update map[string]string) map[string]string {
	if current == nil {
		current = map[string]string{}
	}

	for k, v := range update {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}

		current[k] = v
	}

	return current
}

func mergeRelationships(current, update []Relationship) []Relationship {
	seen := map[string]bool{}

	for _, r := range current {
		seen[strings.ToLower(r.Name)] = true
	}

	for _, r := range update {
		if strings.TrimSpace(r.Name) == "" || seen[strings.ToLower(r.Name)] {
			continue
		}

		seen[strings.ToLower(r.Name)] = true
		current = append(current, r)
	}

	return current
}

func mergeStrings(current, update []string) []string {
	seen := map[string]bool{}

	for _, s := range current {
		seen[strings.ToLower(s)] = true
	}

	for _, s := range update {
		if strings.TrimSpace(s) == "" || seen[strings.ToLower(s)] {
			continue
		}

		seen[strings.ToLower(s)] = true
		current = append(current, s)
	}

	return current
}
