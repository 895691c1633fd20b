package textx

import (
	"strings"
)

// Split cuts text into chunks of at most size runes. Each chunk ends just
// after the last occurrence, inside the window, of the first separator that
// has one; with no separator in the window the chunk is cut at size. Chunks
// after the first start overlap runes before the previous cut. Chunks are
// trimmed and empty chunks are dropped. size <= 0 returns the whole text.
func Split(text string, size int, separators []string, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			out = appendChunk(out, runes[start:])
			break
		}
		cut := cutPoint(runes[start:end], separators)
		if cut <= 0 {
			cut = size
		}
		out = appendChunk(out, runes[start:start+cut])

		next := start + cut - overlap
		if next <= start {
			next = start + cut
		}
		start = next
	}
	return out
}

// cutPoint returns the offset just past the last occurrence of the first
// separator found in window, or 0.
func cutPoint(window []rune, separators []string) int {
	w := string(window)
	for _, sep := range separators {
		if sep == "" {
			continue
		}
		if i := strings.LastIndex(w, sep); i >= 0 {
			return len([]rune(w[:i+len(sep)]))
		}
	}
	return 0
}

func appendChunk(out []string, r []rune) []string {
	if s := strings.TrimSpace(string(r)); s != "" {
		out = append(out, s)
	}
	return out
}
