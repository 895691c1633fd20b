package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// Catalog resolves model names (plus per-call overrides) into profiles read
// from one YAML file per model. Resolved profiles are memoised and must be
// treated as read-only by callers.
type Catalog struct {
	dir           string
	retryDefaults domain.RetryPolicy
	rps           float64
	tokenizer     string
	uplift        float64
	cache         *lru.Cache[string, domain.ModelProfile]
}

// NewCatalog builds a catalog over cfg.ModelsDir.
func NewCatalog(cfg Config) (*Catalog, error) {
	size := cfg.ProfileCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, domain.ModelProfile](size)
	if err != nil {
		return nil, fmt.Errorf("op=config.NewCatalog: %w", err)
	}
	return &Catalog{
		dir:           cfg.ModelsDir,
		retryDefaults: cfg.GetRetryDefaults(),
		rps:           cfg.DefaultRequestsPerSecond,
		tokenizer:     cfg.DefaultTokenizer,
		uplift:        cfg.DefaultTokenUplift,
		cache:         cache,
	}, nil
}

// Resolve returns the profile for name with overrides deep-merged on top.
func (c *Catalog) Resolve(name string, overrides map[string]any) (domain.ModelProfile, error) {
	if err := checkName(name); err != nil {
		return domain.ModelProfile{}, fmt.Errorf("op=catalog.Resolve: %w", err)
	}
	key, err := profileCacheKey(name, overrides)
	if err != nil {
		return domain.ModelProfile{}, fmt.Errorf("op=catalog.Resolve: %w: overrides: %v", domain.ErrInvalidArgument, err)
	}
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}

	raw, err := c.readRaw(name)
	if err != nil {
		return domain.ModelProfile{}, fmt.Errorf("op=catalog.Resolve: %w", err)
	}
	if len(overrides) > 0 {
		if err := mergo.Merge(&raw, overrides, mergo.WithOverride); err != nil {
			return domain.ModelProfile{}, fmt.Errorf("op=catalog.Resolve: %w: merge overrides: %v", domain.ErrInvalidArgument, err)
		}
	}
	p, err := decodeProfile(raw)
	if err != nil {
		return domain.ModelProfile{}, fmt.Errorf("op=catalog.Resolve model=%s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	c.Normalize(&p)
	c.cache.Add(key, p)
	return p, nil
}

// Normalize applies catalog defaults to zero-valued profile fields.
func (c *Catalog) Normalize(p *domain.ModelProfile) {
	if p.MaxTokens == 0 {
		p.MaxTokens = intValue(p.Request["max_tokens"])
	}
	if p.Tokenizer == "" {
		p.Tokenizer = c.tokenizer
	}
	if p.TokenUplift <= 0 {
		p.TokenUplift = c.uplift
	}
	if p.MaxRequestsPerSecond <= 0 {
		p.MaxRequestsPerSecond = c.rps
	}
	p.Retry = applyRetryDefaults(p.Retry, c.retryDefaults)
}

// Names lists the models available in the catalog directory.
func (c *Catalog) Names() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.Names: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, strings.TrimSuffix(e.Name(), ext))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Catalog) readRaw(name string) (map[string]any, error) {
	var content []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		// #nosec G304 -- name is checked to be a bare file name
		content, err = os.ReadFile(filepath.Join(c.dir, name+ext))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read model file: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: model %q", domain.ErrNotFound, name)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML for model %q: %v", domain.ErrInvalidArgument, name, err)
	}
	return raw, nil
}

func decodeProfile(raw map[string]any) (domain.ModelProfile, error) {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return domain.ModelProfile{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	var p domain.ModelProfile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return domain.ModelProfile{}, fmt.Errorf("%w: invalid profile: %v", domain.ErrInvalidArgument, err)
	}
	return p, nil
}

// profileCacheKey hashes the name with the canonical JSON of overrides
// (encoding/json sorts map keys).
func profileCacheKey(name string, overrides map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	if len(overrides) > 0 {
		b, err := json.Marshal(overrides)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", domain.ErrInvalidArgument)
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid name %q", domain.ErrInvalidArgument, name)
	}
	return nil
}

func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}
