package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/theapemachine/mnemo/pkg/memory"
)

// MemoryRepo is an in-memory Repo for tests and ephemeral runs.
type MemoryRepo struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{profiles: map[string]*Profile{}}
}

func (r *MemoryRepo) Load(ctx context.Context, userID string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[userID]

	if !ok {
		return nil, memory.ErrNotFound
	}

	cp := *profile

	return &cp, nil
}

func (r *MemoryRepo) Save(ctx context.Context, profile *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *profile
	r.profiles[profile.UserID] = &cp

	return nil
}

func (r *MemoryRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.profiles, userID)

	return nil
}

// FileRepo persists one JSON file per user under a directory. Good enough
// for the embedded local mode; swap the Repo for anything sturdier.
type FileRepo struct {
	dir string

	mu sync.Mutex
}

func NewFileRepo(dir string) (*FileRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile: create %s: %w", dir, err)
	}

	return &FileRepo{dir: dir}, nil
}

// path keeps user ids from escaping the profile directory.
func (r *FileRepo) path(userID string) string {
	safe := strings.Map(func(c rune) rune {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			return c
		}

		return '_'
	}, userID)

	return filepath.Join(r.dir, safe+".json")
}

func (r *FileRepo) Load(ctx context.Context, userID string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path(userID))

	if os.IsNotExist(err) {
		return nil, memory.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", userID, err)
	}

	var profile Profile

	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("profile: decode %s: %w", userID, err)
	}

	return &profile, nil
}

func (r *FileRepo) Save(ctx context.Context, profile *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(profile, "", "  ")

	if err != nil {
		return fmt.Errorf("profile: encode %s: %w", profile.UserID, err)
	}

	if err := os.WriteFile(r.path(profile.UserID), data, 0o644); err != nil {
		return fmt.Errorf("profile: write %s: %w", profile.UserID, err)
	}

	return nil
}

func (r *FileRepo) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(userID))

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("profile: delete %s: %w", userID, err)
	}

	return nil
}
