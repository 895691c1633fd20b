package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-dispatcher/internal/config"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	"github.com/fairyhunter13/llm-dispatcher/internal/usecase"
)

// CredentialHeader carries the upstream API credential for a call. When it
// is absent the model's credential_env is consulted.
const CredentialHeader = "X-Upstream-Credential"

// ModelCatalog lists and resolves model profiles.
type ModelCatalog interface {
	Names() ([]string, error)
	Resolve(name string, overrides map[string]any) (domain.ModelProfile, error)
}

// Server aggregates handlers dependencies.
type Server struct {
	Cfg        config.Config
	Calls      usecase.CallService
	Rephraser  usecase.RephraseService
	Estimator  usecase.EstimateService
	Models     ModelCatalog
	RedisCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, calls usecase.CallService, rephraser usecase.RephraseService, estimator usecase.EstimateService, models ModelCatalog, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Calls: calls, Rephraser: rephraser, Estimator: estimator, Models: models, RedisCheck: redisCheck}
}

type callRequest struct {
	Model      string         `json:"model" validate:"required"`
	Prompt     string         `json:"prompt" validate:"required_without=PromptFile"`
	PromptFile string         `json:"prompt_file"`
	Data       map[string]any `json:"data"`
	Overrides  map[string]any `json:"overrides"`
	SkipRender bool           `json:"skip_render"`
	Quiet      bool           `json:"quiet"`
	Decorate   string         `json:"decorate" validate:"omitempty,oneof=json"`
}

type rephraseRequest struct {
	Document              string            `json:"document" validate:"required"`
	ChatModel             string            `json:"chat_model" validate:"required"`
	ChatOverrides         map[string]any    `json:"chat_overrides"`
	SplitModel            string            `json:"split_model"`
	SplitOverrides        map[string]any    `json:"split_overrides"`
	Prompt                string            `json:"prompt"`
	PromptsByLang         map[string]string `json:"prompts_by_lang"`
	PromptsByFragmentLang map[string]string `json:"prompts_by_fragment_lang"`
	Params                map[string]any    `json:"params"`
}

type estimateRequest struct {
	Model  string         `json:"model" validate:"required"`
	Prompt string         `json:"prompt" validate:"required"`
	Data   map[string]any `json:"data"`
	Raw    bool           `json:"raw"`
}

// CallHandler runs one dispatcher call and returns its content.
func (s *Server) CallHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req callRequest
		if !s.decode(w, r, &req) {
			return
		}
		if res := ValidateModelName("model", req.Model); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid model", domain.ErrInvalidArgument), res.Errors)
			return
		}
		out, err := s.Calls.Call(r.Context(), usecase.CallInput{
			CallRequest: domain.CallRequest{
				Data:          req.Data,
				Prompt:        req.Prompt,
				PromptFile:    req.PromptFile,
				Credential:    SanitizeString(r.Header.Get(CredentialHeader)),
				Model:         req.Model,
				Overrides:     req.Overrides,
				SkipRender:    req.SkipRender,
				ForceQuietLog: req.Quiet,
			},
			Decorate: req.Decorate,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RephraseHandler rewrites a document fragment by fragment.
func (s *Server) RephraseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req rephraseRequest
		if !s.decode(w, r, &req) {
			return
		}
		for _, res := range []ValidationResult{
			ValidateModelName("chat_model", req.ChatModel),
			ValidateOptionalModelName("split_model", req.SplitModel),
		} {
			if !res.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid model", domain.ErrInvalidArgument), res.Errors)
				return
			}
		}
		out, err := s.Rephraser.Rephrase(r.Context(), usecase.RephraseRequest{
			Document:              req.Document,
			ChatModel:             req.ChatModel,
			ChatOverrides:         req.ChatOverrides,
			SplitModel:            req.SplitModel,
			SplitOverrides:        req.SplitOverrides,
			Prompt:                req.Prompt,
			PromptsByLang:         req.PromptsByLang,
			PromptsByFragmentLang: req.PromptsByFragmentLang,
			Params:                req.Params,
			Credential:            SanitizeString(r.Header.Get(CredentialHeader)),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// EstimateHandler sizes a prompt against a model without calling it.
func (s *Server) EstimateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req estimateRequest
		if !s.decode(w, r, &req) {
			return
		}
		if res := ValidateModelName("model", req.Model); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid model", domain.ErrInvalidArgument), res.Errors)
			return
		}
		out, err := s.Estimator.Estimate(req.Model, req.Prompt, req.Data, req.Raw)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ModelsHandler lists the catalog's model names.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		names, err := s.Models.Names()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": names})
	}
}

// ModelHandler returns one resolved profile, defaults applied.
func (s *Server) ModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		name := chi.URLParam(r, "name")
		if res := ValidateModelName("name", name); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid model", domain.ErrInvalidArgument), res.Errors)
			return
		}
		p, err := s.Models.Resolve(name, nil)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ReadyzHandler returns a readiness handler. The catalog must be listable,
// and Redis must answer when admission gates are shared through it.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]usecase.ReadinessCheck, 0, 2)
		if s.Models != nil {
			if _, err := s.Models.Names(); err != nil {
				checks = append(checks, usecase.ReadinessCheck{Name: "catalog", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, usecase.ReadinessCheck{Name: "catalog", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, usecase.ReadinessCheck{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, usecase.ReadinessCheck{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// acceptsJSON answers 406 unless the client accepts JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a}}})
	return false
}

// decode reads a size-capped JSON body into dst and validates it. It writes
// the error response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	limit := s.Cfg.MaxRequestBodyKB * 1024
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "payload too large", Details: map[string]any{"max_kb": limit / 1024}}})
			return false
		}
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}
