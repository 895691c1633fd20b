package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEstimateCommand(ctx *commandContext) *cobra.Command {
	var (
		in     promptInput
		model  string
		raw    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate a prompt's tokens against a model's limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, err := ctx.ensureComponents(cmd)
			if err != nil {
				return err
			}
			text, err := in.text(cmd)
			if err != nil {
				return err
			}
			if in.promptFile != "" {
				if text, err = comps.Prompts.Load(in.promptFile); err != nil {
					return err
				}
			}
			data, err := in.values()
			if err != nil {
				return err
			}
			est, err := comps.Estimates.Estimate(model, text, data, raw)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, est)
			}
			verdict := "fits"
			if !est.Fits {
				verdict = "too large"
			}
			limit := "unlimited"
			if est.MaxTokens > 0 {
				limit = fmt.Sprintf("%d", est.MaxTokens)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens (max %s) %s\n", est.Model, est.Tokens, limit, verdict)
			return err
		},
	}

	in.register(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name in the catalog")
	cmd.Flags().BoolVar(&raw, "raw", false, "Estimate the template text without rendering")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the estimation as JSON")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
