// Package langdetect detects the dominant language of a text and counts
// words with a segmenter suited to that language.
package langdetect

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"github.com/rivo/uniseg"
	"golang.org/x/text/language"
)

var (
	japanese, _ = language.Japanese.Base()
	chinese, _  = language.Chinese.Base()
)

// Detector implements domain.LanguageDetector with whatlanggo.
type Detector struct{}

// New returns a Detector.
func New() *Detector { return &Detector{} }

// Detect returns the ISO 639-1 code of the dominant language, or "" when the
// text is empty or the language has no two-letter code.
func (d *Detector) Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	return Normalize(info.Lang.Iso6391())
}

// Normalize canonicalises a language code ("zh-Hant", "JA", "en_US") to its
// ISO 639 base. Unknown codes become "".
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// IsWordSegmented reports whether lang is written without word separators
// and is therefore estimated by word count rather than character count.
func IsWordSegmented(lang string) bool {
	base := baseOf(lang)
	return base == japanese || base == chinese
}

// countUAX29 counts UAX #29 word segments that contain a letter or digit.
func countUAX29(text string) int {
	n := 0
	state := -1
	var word string
	for len(text) > 0 {
		word, text, state = uniseg.FirstWordInString(text, state)
		if wordLike(word) {
			n++
		}
	}
	return n
}

func wordLike(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
