package langdetect

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/go-ego/gse"
	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"golang.org/x/text/language"
)

// segmentFunc cuts text into words and the separators between them.
type segmentFunc func(text string) []string

// Dictionary segmenters are large, so each is loaded on first use.
var segmenters = map[language.Base]func() (segmentFunc, error){
	japanese: sync.OnceValues(loadJapanese),
	chinese:  sync.OnceValues(loadChinese),
}

var warnFallback sync.Map

func loadJapanese() (segmentFunc, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return t.Wakati, nil
}

func loadChinese() (segmentFunc, error) {
	seg := new(gse.Segmenter)
	if err := seg.LoadDictEmbed(); err != nil {
		return nil, err
	}
	return func(text string) []string { return seg.Cut(text, true) }, nil
}

// CountWords counts the words of text written in lang. Japanese is segmented
// with the IPA morphological dictionary (kagome) and Chinese with the gse
// dictionary; every other language, or a dictionary that fails to load, uses
// UAX #29 word boundaries. Only segments containing a letter or digit count.
func CountWords(lang, text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	load, ok := segmenters[baseOf(lang)]
	if !ok {
		return countUAX29(text)
	}
	cut, err := load()
	if err != nil {
		if _, warned := warnFallback.LoadOrStore(lang, struct{}{}); !warned {
			slog.Warn("word segmenter unavailable; using unicode word boundaries",
				slog.String("lang", lang), slog.Any("error", err))
		}
		return countUAX29(text)
	}
	n := 0
	for _, w := range cut(text) {
		if wordLike(w) {
			n++
		}
	}
	return n
}

func baseOf(lang string) language.Base {
	tag, err := language.Parse(lang)
	if err != nil {
		return language.Base{}
	}
	base, _ := tag.Base()
	return base
}
