package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// promptInput holds the prompt-related flags shared by run and estimate.
type promptInput struct {
	prompt     string
	promptFile string
	data       map[string]string
	dataJSON   string
}

func (p *promptInput) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.prompt, "prompt", "p", "", `Prompt template; "-" reads stdin`)
	cmd.Flags().StringVarP(&p.promptFile, "prompt-file", "f", "", "Prompt file name under the prompts directory")
	cmd.Flags().StringToStringVarP(&p.data, "data", "d", nil, "Template value as key=value (repeatable)")
	cmd.Flags().StringVar(&p.dataJSON, "data-json", "", "Template values as a JSON object; --data entries win")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	cmd.MarkFlagsOneRequired("prompt", "prompt-file")
}

// text returns the inline prompt, reading stdin for "-".
func (p *promptInput) text(cmd *cobra.Command) (string, error) {
	if p.prompt != "-" {
		return p.prompt, nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return string(b), nil
}

func (p *promptInput) values() (map[string]any, error) {
	out := map[string]any{}
	if p.dataJSON != "" {
		if err := json.Unmarshal([]byte(p.dataJSON), &out); err != nil {
			return nil, fmt.Errorf("%w: --data-json: %v", domain.ErrInvalidArgument, err)
		}
	}
	for k, v := range p.data {
		out[k] = v
	}
	return out, nil
}

// parseObject decodes an optional JSON object flag.
func parseObject(flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: --%s: %v", domain.ErrInvalidArgument, flag, err)
	}
	return out, nil
}
