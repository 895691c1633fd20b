package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedBlock   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// ResponseCleaner turns model output that should contain JSON into a value.
type ResponseCleaner struct{}

// NewResponseCleaner creates a new response cleaner.
func NewResponseCleaner() *ResponseCleaner {
	return &ResponseCleaner{}
}

// DecodeJSON extracts and decodes the JSON document in content. It reports
// false when no JSON could be recovered; callers then keep the raw content.
func (rc *ResponseCleaner) DecodeJSON(content string) (any, bool) {
	cleaned, err := rc.CleanAndValidateJSON(content)
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, false
	}
	return v, true
}

// CleanJSONResponse strips markdown fences, cuts the outermost JSON value out
// of surrounding prose and removes trailing commas.
func (rc *ResponseCleaner) CleanJSONResponse(response string) string {
	response = rc.removeMarkdownBlocks(response)
	if rc.IsValidJSON(response) {
		return response
	}
	response = rc.extractJSON(response)
	if rc.IsValidJSON(response) {
		return response
	}
	return rc.fixCommonJSONIssues(response)
}

// removeMarkdownBlocks returns the body of the first fenced block, or the
// trimmed input when there is none.
func (rc *ResponseCleaner) removeMarkdownBlocks(response string) string {
	if m := fencedBlock.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(response)
}

// extractJSON cuts the first balanced object or array out of mixed content.
// Brackets inside strings are ignored.
func (rc *ResponseCleaner) extractJSON(response string) string {
	start := strings.IndexAny(response, "{[")
	if start == -1 {
		return response
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response[start:]
}

// fixCommonJSONIssues removes trailing commas before closing brackets.
func (rc *ResponseCleaner) fixCommonJSONIssues(response string) string {
	return trailingComma.ReplaceAllString(response, "$1")
}

// IsValidJSON checks if a string is valid JSON.
func (rc *ResponseCleaner) IsValidJSON(response string) bool {
	return strings.TrimSpace(response) != "" && json.Valid([]byte(response))
}

// CleanAndValidateJSON cleans and validates a JSON response.
func (rc *ResponseCleaner) CleanAndValidateJSON(response string) (string, error) {
	cleaned := rc.CleanJSONResponse(response)
	if !rc.IsValidJSON(cleaned) {
		return "", &JSONValidationError{
			Original: response,
			Cleaned:  cleaned,
			Message:  "cleaned response is still not valid JSON",
		}
	}
	return cleaned, nil
}

// JSONValidationError represents a JSON validation error.
type JSONValidationError struct {
	Original string
	Cleaned  string
	Message  string
}

func (e *JSONValidationError) Error() string {
	return e.Message
}
