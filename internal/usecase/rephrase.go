package usecase

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	obsctx "github.com/fairyhunter13/llm-dispatcher/internal/observability"
	"github.com/fairyhunter13/llm-dispatcher/pkg/textx"
)

// DefaultRephraseParallel bounds concurrent fragment calls when unset.
const DefaultRephraseParallel = 8

// RephraseRequest describes a document to rewrite fragment by fragment.
type RephraseRequest struct {
	Document string
	// ChatModel runs the rewrite of each fragment.
	ChatModel     string
	ChatOverrides map[string]any
	// SplitModel supplies the chunking parameters. The chat model is used
	// when empty.
	SplitModel     string
	SplitOverrides map[string]any
	// Prompt is the fallback template. PromptsByLang is keyed by document
	// language and PromptsByFragmentLang by fragment language; the fragment
	// entry wins, then the document entry, then Prompt.
	Prompt                string
	PromptsByLang         map[string]string
	PromptsByFragmentLang map[string]string
	// Params are extra template values.
	Params     map[string]any
	Credential string
}

// RephraseResult is the rewritten document.
type RephraseResult struct {
	Content   string `json:"content"`
	Lang      string `json:"lang"`
	Fragments int    `json:"fragments"`
}

// RephraseService splits a document, rewrites every fragment through the
// dispatcher and joins the results in their original order.
type RephraseService struct {
	Dispatcher  Processor
	Profiles    ProfileResolver
	Detector    domain.LanguageDetector
	MaxParallel int
}

// NewRephraseService constructs a RephraseService with its dependencies.
func NewRephraseService(p Processor, profiles ProfileResolver, d domain.LanguageDetector, maxParallel int) RephraseService {
	if maxParallel <= 0 {
		maxParallel = DefaultRephraseParallel
	}
	return RephraseService{Dispatcher: p, Profiles: profiles, Detector: d, MaxParallel: maxParallel}
}

// Rephrase fails as a whole when any fragment fails.
func (s RephraseService) Rephrase(ctx domain.Context, req RephraseRequest) (RephraseResult, error) {
	lg := obsctx.LoggerFromContext(ctx)
	doc := textx.NormalizeWhitespace(textx.SanitizeText(req.Document))
	if doc == "" {
		return RephraseResult{}, fmt.Errorf("%w: document is empty", domain.ErrInvalidArgument)
	}
	if req.ChatModel == "" {
		return RephraseResult{}, fmt.Errorf("%w: chat model required", domain.ErrInvalidArgument)
	}

	splitModel, splitOverrides := req.SplitModel, req.SplitOverrides
	if splitModel == "" {
		splitModel, splitOverrides = req.ChatModel, req.ChatOverrides
	}
	splitProfile, err := s.Profiles.Resolve(splitModel, splitOverrides)
	if err != nil {
		return RephraseResult{}, fmt.Errorf("op=rephrase.Resolve: %w", err)
	}
	split := splitProfile.Split

	lang := s.Detector.Detect(doc)
	chunks := textx.Split(doc, split.ChunkSizeFor(lang), split.SeparatorsFor(lang), split.OverlapFor(lang))
	lg.Info("rephrasing document", slog.String("lang", lang), slog.Int("fragments", len(chunks)), slog.String("chat_model", req.ChatModel))

	base := map[string]any{}
	maps.Copy(base, req.Params)
	base["lang"] = lang

	calls := make([]domain.CallRequest, len(chunks))
	for i, chunk := range chunks {
		fragLang := s.Detector.Detect(chunk)
		tmpl := pickPrompt(req, lang, fragLang)
		if tmpl == "" {
			return RephraseResult{}, fmt.Errorf("%w: no prompt for fragment language %q", domain.ErrInvalidArgument, fragLang)
		}
		data := maps.Clone(base)
		data["fragment"] = chunk
		data["lang_fragment"] = fragLang
		calls[i] = domain.CallRequest{
			Data:       data,
			Prompt:     tmpl,
			Credential: req.Credential,
			Model:      req.ChatModel,
			Overrides:  req.ChatOverrides,
		}
	}

	out := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.MaxParallel)
	for i, call := range calls {
		g.Go(func() error {
			res, err := s.Dispatcher.Process(gctx, call)
			if err != nil {
				return fmt.Errorf("op=rephrase fragment=%d: %w", i, err)
			}
			out[i] = res.Content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		lg.Error("unable to rephrase document", slog.Any("error", err))
		return RephraseResult{}, err
	}

	return RephraseResult{
		Content:   strings.Join(out, split.JoinerFor(lang)),
		Lang:      lang,
		Fragments: len(chunks),
	}, nil
}

func pickPrompt(req RephraseRequest, docLang, fragLang string) string {
	if p := req.PromptsByFragmentLang[fragLang]; p != "" {
		return p
	}
	if p := req.PromptsByLang[docLang]; p != "" {
		return p
	}
	return req.Prompt
}
