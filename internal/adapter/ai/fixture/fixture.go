// Package fixture serves canned upstream responses for models running in
// sample mode.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

const directivePrefix = "fixture("

// Generator builds a response body from directive arguments.
type Generator func(args ...string) ([]byte, error)

// Option configures a Source.
type Option func(*Source)

// WithGenerator registers g under name, replacing any builtin of that name.
func WithGenerator(name string, g Generator) Option {
	return func(s *Source) { s.generators[name] = g }
}

// Source resolves sample directives. A directive is either a file name under
// the responses directory or "fixture(name), arg1, arg2" naming a registered
// generator.
type Source struct {
	dir        string
	generators map[string]Generator
}

// New creates a Source reading files from dir. The "chat" generator is
// always registered.
func New(dir string, opts ...Option) *Source {
	s := &Source{dir: dir, generators: map[string]Generator{"chat": Chat}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Generators lists the registered generator names.
func (s *Source) Generators() []string {
	names := make([]string, 0, len(s.generators))
	for n := range s.generators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load returns the response body for directive.
func (s *Source) Load(directive string) ([]byte, error) {
	d := strings.TrimSpace(directive)
	if d == "" {
		return nil, fmt.Errorf("op=fixture.Load: %w: empty directive", domain.ErrInvalidArgument)
	}
	if strings.HasPrefix(d, directivePrefix) {
		return s.generate(d)
	}
	return s.readFile(d)
}

func (s *Source) readFile(name string) ([]byte, error) {
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("op=fixture.Load name=%s: %w: path escapes responses dir", name, domain.ErrInvalidArgument)
	}
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=fixture.Load name=%s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=fixture.Load name=%s: %w", name, err)
	}
	return b, nil
}

func (s *Source) generate(directive string) ([]byte, error) {
	parts := strings.Split(directive, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	head := parts[0]
	if !strings.HasSuffix(head, ")") {
		return nil, fmt.Errorf("op=fixture.Load directive=%q: %w: unterminated generator name", directive, domain.ErrInvalidArgument)
	}
	name := strings.TrimSpace(head[len(directivePrefix) : len(head)-1])
	g, ok := s.generators[name]
	if !ok {
		return nil, fmt.Errorf("op=fixture.Load generator=%s: %w", name, domain.ErrNotFound)
	}
	b, err := g(parts[1:]...)
	if err != nil {
		return nil, fmt.Errorf("op=fixture.Generate generator=%s: %w", name, err)
	}
	return b, nil
}

// Chat builds an OpenAI style chat completion. Arguments are the content,
// an optional finish reason (default "stop") and an optional numeric cost
// written to usage.cost.
func Chat(args ...string) ([]byte, error) {
	content, finish := "", "stop"
	if len(args) > 0 {
		content = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		finish = args[1]
	}

	body := []byte(`{"object":"chat.completion"}`)
	var err error
	if body, err = sjson.SetBytes(body, "choices.0.index", 0); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "choices.0.message.role", "assistant"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "choices.0.message.content", content); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "choices.0.finish_reason", finish); err != nil {
		return nil, err
	}
	if len(args) > 2 {
		cost, perr := strconv.ParseFloat(args[2], 64)
		if perr != nil {
			return nil, fmt.Errorf("%w: cost %q is not a number", domain.ErrInvalidArgument, args[2])
		}
		if body, err = sjson.SetBytes(body, "usage.cost", cost); err != nil {
			return nil, err
		}
	}
	return body, nil
}
