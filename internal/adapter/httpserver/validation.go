package httpserver

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/fairyhunter13/llm-dispatcher/pkg/textx"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

const maxModelNameLen = 100

var validModelName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateModelName checks a catalog model name taken from a URL or body.
// Names map to files, so path separators and leading dots are rejected.
func ValidateModelName(field, name string) ValidationResult {
	if name == "" {
		return invalid(field, "REQUIRED", "Model name is required")
	}
	if len(name) > maxModelNameLen {
		return invalid(field, "TOO_LONG", fmt.Sprintf("Model name is too long (max %d characters)", maxModelNameLen))
	}
	if !validModelName.MatchString(name) {
		return invalid(field, "INVALID_FORMAT", "Model name contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidateOptionalModelName is ValidateModelName for fields that may be empty.
func ValidateOptionalModelName(field, name string) ValidationResult {
	if name == "" {
		return ValidationResult{Valid: true}
	}
	return ValidateModelName(field, name)
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Field: field, Code: code, Message: msg}},
	}
}

// maxHeaderValue caps header values taken from requests.
const maxHeaderValue = 1000

// SanitizeString cleans a header value with textx.SanitizeText and caps it at
// maxHeaderValue bytes without splitting a rune.
func SanitizeString(input string) string {
	input = textx.SanitizeText(input)
	if len(input) <= maxHeaderValue {
		return input
	}
	cut := maxHeaderValue
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return input[:cut]
}
