package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	"github.com/fairyhunter13/llm-dispatcher/internal/usecase"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		in           promptInput
		model        string
		overrideJSON string
		credential   string
		decorate     string
		skipRender   bool
		quiet        bool
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one call and print the model's content",
		Long: `Run one call through the dispatcher: render the prompt, check its size,
wait for the model's admission gate, send it with retries and print the
validated content.

The credential defaults to the environment variable named by the model's
driver.credential_env.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, err := ctx.ensureComponents(cmd)
			if err != nil {
				return err
			}
			text, err := in.text(cmd)
			if err != nil {
				return err
			}
			data, err := in.values()
			if err != nil {
				return err
			}
			overrides, err := parseObject("overrides", overrideJSON)
			if err != nil {
				return err
			}

			out, err := comps.Calls.Call(cmd.Context(), usecase.CallInput{
				CallRequest: domain.CallRequest{
					Data:          data,
					Prompt:        text,
					PromptFile:    in.promptFile,
					Credential:    credential,
					Model:         model,
					Overrides:     overrides,
					SkipRender:    skipRender,
					ForceQuietLog: quiet,
				},
				Decorate: decorate,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, out)
			}
			if out.Decoded != nil {
				return writeJSON(cmd, out.Decoded)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out.Content)
			return err
		},
	}

	in.register(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name in the catalog")
	cmd.Flags().StringVar(&overrideJSON, "overrides", "", "Profile overrides as a JSON object")
	cmd.Flags().StringVar(&credential, "credential", "", "Upstream credential (default from the model's credential_env)")
	cmd.Flags().StringVar(&decorate, "decorate", "", `Post-process content: "json"`)
	cmd.Flags().BoolVar(&skipRender, "skip-render", false, "Send the prompt without template rendering")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not log the prompt and payload for this call")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
