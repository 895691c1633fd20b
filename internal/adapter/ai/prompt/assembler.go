package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// HardCapField is removed from every outgoing payload: the estimate is
// approximate and a server-side cap rejects requests the estimate admitted.
const HardCapField = "max_tokens"

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// Assembler builds payloads from profiles. The profile is never modified.
type Assembler struct{}

// NewAssembler returns an Assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Assemble writes promptText into profile's request template. With a content
// path the prompt must itself be JSON and replaces the value at that path;
// otherwise the first domain.PromptMarker is replaced by the escaped text.
func (a *Assembler) Assemble(profile domain.ModelProfile, promptText string) (domain.Payload, error) {
	var (
		out domain.Payload
		err error
	)
	if profile.RequestContentPath != "" {
		out, err = injectAtPath(profile.Request, profile.RequestContentPath, promptText)
	} else {
		out, err = substituteMarker(profile.Request, promptText)
	}
	if err != nil {
		var ce *domain.CallError
		if errors.As(err, &ce) {
			ce.Model = profile.Name
		}
		return nil, err
	}
	delete(out, HardCapField)
	return out, nil
}

func substituteMarker(tmpl map[string]any, promptText string) (domain.Payload, error) {
	raw, err := marshalNoEscape(tmpl)
	if err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", err)
	}
	idx := bytes.Index(raw, []byte(domain.PromptMarker))
	if idx < 0 {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "",
			fmt.Errorf("request template has no %s marker and no content path", domain.PromptMarker))
	}
	lit, err := marshalNoEscape(promptText)
	if err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadPrompt, "", err)
	}
	// drop the literal's own quotes; the marker already sits inside a string
	escaped := lit[1 : len(lit)-1]

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(escaped))
	buf.Write(raw[:idx])
	buf.Write(escaped)
	buf.Write(raw[idx+len(domain.PromptMarker):])
	return decode(buf.Bytes())
}

func injectAtPath(tmpl map[string]any, path, promptText string) (domain.Payload, error) {
	if !json.Valid([]byte(promptText)) {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadPrompt, "",
			errors.New("prompt must be valid JSON when the model declares a content path"))
	}
	raw, err := marshalNoEscape(tmpl)
	if err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", err)
	}
	out, err := sjson.SetRawBytes(raw, NormalizePath(path), []byte(promptText))
	if err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", fmt.Errorf("content path %q: %w", path, err))
	}
	return decode(out)
}

// NormalizePath turns "contents[0].parts" into the dotted "contents.0.parts".
func NormalizePath(p string) string {
	p = bracketIndex.ReplaceAllString(strings.TrimSpace(p), ".$1")
	return strings.TrimPrefix(p, ".")
}

func decode(b []byte) (domain.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out domain.Payload
	if err := dec.Decode(&out); err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", fmt.Errorf("assembled payload is not valid JSON: %w", err))
	}
	if out == nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", errors.New("assembled payload is empty"))
	}
	return out, nil
}

// marshalNoEscape encodes v without HTML escaping and without the trailing newline.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Encode serialises a payload for the wire without HTML escaping.
func Encode(p domain.Payload) ([]byte, error) {
	b, err := marshalNoEscape(p)
	if err != nil {
		return nil, domain.NewCallError(domain.ErrTemplate, domain.ReasonBadTemplate, "", fmt.Errorf("encode payload: %w", err))
	}
	return b, nil
}
