package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// PromptStore reads prompt template files from a directory and keeps the
// most recently used ones in memory.
type PromptStore struct {
	dir   string
	cache *lru.Cache[string, string]
}

// NewPromptStore builds a store over dir.
func NewPromptStore(dir string) (*PromptStore, error) {
	cache, err := lru.New[string, string](128)
	if err != nil {
		return nil, fmt.Errorf("op=config.NewPromptStore: %w", err)
	}
	return &PromptStore{dir: dir, cache: cache}, nil
}

// Load returns the content of the named prompt file.
func (s *PromptStore) Load(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", fmt.Errorf("op=prompts.Load: %w", err)
	}
	if v, ok := s.cache.Get(name); ok {
		return v, nil
	}
	// #nosec G304 -- name is checked to be a bare file name
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("op=prompts.Load: %w: prompt %q", domain.ErrNotFound, name)
		}
		return "", fmt.Errorf("op=prompts.Load: %w", err)
	}
	s.cache.Add(name, string(b))
	return string(b), nil
}
