// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// DecorateJSON asks CallService to decode JSON out of the model content.
const DecorateJSON = "json"

// Processor runs one LLM call.
type Processor interface {
	Process(ctx domain.Context, req domain.CallRequest) (*domain.CallResult, error)
}

// CallInput is a call plus optional post-processing of its content.
type CallInput struct {
	domain.CallRequest
	// Decorate is "" or DecorateJSON.
	Decorate string
}

// CallOutput is the content of a call. Decoded is set only when JSON
// decoration was requested and succeeded.
type CallOutput struct {
	Content    string   `json:"content"`
	Decoded    any      `json:"decoded,omitempty"`
	CostMetric *float64 `json:"cost_metric,omitempty"`
}

// CallService runs single calls for the HTTP and CLI surfaces.
type CallService struct {
	Dispatcher Processor
	Cleaner    *ai.ResponseCleaner
}

// NewCallService constructs a CallService with its dependencies.
func NewCallService(p Processor) CallService {
	return CallService{Dispatcher: p, Cleaner: ai.NewResponseCleaner()}
}

// Call validates the input, dispatches it and applies the decorator.
func (s CallService) Call(ctx domain.Context, in CallInput) (CallOutput, error) {
	if in.Model == "" && in.Profile == nil {
		return CallOutput{}, fmt.Errorf("%w: model required", domain.ErrInvalidArgument)
	}
	if in.Prompt == "" && in.PromptFile == "" {
		return CallOutput{}, fmt.Errorf("%w: prompt or prompt_file required", domain.ErrInvalidArgument)
	}
	decorate := strings.ToLower(strings.TrimSpace(in.Decorate))
	if decorate != "" && decorate != DecorateJSON {
		return CallOutput{}, fmt.Errorf("%w: unknown decorator %q", domain.ErrInvalidArgument, in.Decorate)
	}

	res, err := s.Dispatcher.Process(ctx, in.CallRequest)
	if err != nil {
		return CallOutput{}, err
	}
	out := CallOutput{Content: res.Content, CostMetric: res.CostMetric}
	if decorate == DecorateJSON {
		if v, ok := s.Cleaner.DecodeJSON(res.Content); ok {
			out.Decoded = v
		}
	}
	return out, nil
}
