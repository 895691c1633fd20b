package usecase

import (
	"fmt"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/prompt"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// ProfileResolver resolves a model name plus overrides into a profile.
type ProfileResolver interface {
	Resolve(name string, overrides map[string]any) (domain.ModelProfile, error)
}

// TokenEstimator estimates the token count of a prompt.
type TokenEstimator interface {
	Estimate(text, modelID string, uplift float64, tokenizer string) int
}

// Estimation is the dry-run result of sizing a prompt for a model.
type Estimation struct {
	Model     string `json:"model"`
	Tokens    int    `json:"tokens"`
	MaxTokens int    `json:"max_tokens"`
	Fits      bool   `json:"fits"`
}

// EstimateService sizes prompts without calling the model.
type EstimateService struct {
	Profiles  ProfileResolver
	Estimator TokenEstimator
}

// NewEstimateService constructs an EstimateService with its dependencies.
func NewEstimateService(p ProfileResolver, e TokenEstimator) EstimateService {
	return EstimateService{Profiles: p, Estimator: e}
}

// Estimate renders the prompt with data (unless raw) and estimates it the
// same way a call would.
func (s EstimateService) Estimate(model, text string, data map[string]any, raw bool) (Estimation, error) {
	p, err := s.Profiles.Resolve(model, nil)
	if err != nil {
		return Estimation{}, fmt.Errorf("op=estimate.Resolve: %w", err)
	}
	if !raw {
		if text, err = prompt.Render(text, data); err != nil {
			return Estimation{}, err
		}
	}
	modelID, _ := p.Request["model"].(string)
	n := s.Estimator.Estimate(text, modelID, p.TokenUplift, p.Tokenizer)
	return Estimation{
		Model:     p.Name,
		Tokens:    n,
		MaxTokens: p.MaxTokens,
		Fits:      p.MaxTokens <= 0 || n <= p.MaxTokens-1,
	}, nil
}
