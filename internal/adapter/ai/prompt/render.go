// Package prompt renders prompt templates and splices the result into a
// model's request template.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// Render fills a mustache template with data. Values are not HTML-escaped
// and CRLF line endings become LF.
func Render(tmpl string, data map[string]any) (string, error) {
	t, err := mustache.ParseStringRaw(tmpl, true)
	if err != nil {
		return "", domain.NewCallError(domain.ErrTemplate, domain.ReasonRender, "", fmt.Errorf("parse prompt: %w", err))
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := t.Render(data)
	if err != nil {
		return "", domain.NewCallError(domain.ErrTemplate, domain.ReasonRender, "", fmt.Errorf("render prompt: %w", err))
	}
	return strings.ReplaceAll(out, "\r\n", "\n"), nil
}
