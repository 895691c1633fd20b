package ai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponseCleaner(t *testing.T) {
	t.Parallel()

	cleaner := NewResponseCleaner()
	assert.NotNil(t, cleaner)
}

func TestResponseCleaner_CleanJSONResponse(t *testing.T) {
	t.Parallel()

	cleaner := NewResponseCleaner()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "clean_json",
			input:    `{"status": "success"}`,
			expected: `{"status": "success"}`,
		},
		{
			name:     "markdown_wrapped_json",
			input:    "```json\n{\"status\": \"success\"}\n```",
			expected: `{"status": "success"}`,
		},
		{
			name:     "fence_after_prose",
			input:    "Sure! Here you go:\n```json\n[1, 2]\n```\nAnything else?",
			expected: `[1, 2]`,
		},
		{
			name:     "mixed_content_with_json",
			input:    "Here is the response: {\"status\": \"success\", \"data\": \"test\"} hope it helps",
			expected: `{"status": "success", "data": "test"}`,
		},
		{
			name:     "braces_inside_strings",
			input:    `result: {"text": "a } b", "n": 1} trailing`,
			expected: `{"text": "a } b", "n": 1}`,
		},
		{
			name:     "trailing_commas",
			input:    `{"a": [1, 2,], "b": 3,}`,
			expected: `{"a": [1, 2], "b": 3}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cleaner.CleanJSONResponse(tt.input))
		})
	}
}

func TestResponseCleaner_DecodeJSON(t *testing.T) {
	t.Parallel()

	cleaner := NewResponseCleaner()

	v, ok := cleaner.DecodeJSON("```json\n{\"title\": \"Go\", \"tags\": [\"a\"]}\n```")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"title": "Go", "tags": []any{"a"}}, v)

	_, ok = cleaner.DecodeJSON("just some prose")
	assert.False(t, ok)

	_, ok = cleaner.DecodeJSON("")
	assert.False(t, ok)
}

func TestResponseCleaner_CleanAndValidateJSON_Error(t *testing.T) {
	t.Parallel()

	cleaner := NewResponseCleaner()
	_, err := cleaner.CleanAndValidateJSON("{not json at all")
	require.Error(t, err)

	var jerr *JSONValidationError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, "{not json at all", jerr.Original)
}
