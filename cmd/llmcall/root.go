package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatcher/internal/app"
	"github.com/fairyhunter13/llm-dispatcher/internal/config"
)

// commandContext carries flags shared by every subcommand and builds the
// component graph on first use.
type commandContext struct {
	modelsDir    string
	promptsDir   string
	responsesDir string
	verbose      bool

	cfg        config.Config
	components *app.Components
}

func (c *commandContext) ensureComponents(cmd *cobra.Command) (*app.Components, error) {
	if c.components != nil {
		return c.components, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("models-dir") {
		cfg.ModelsDir = c.modelsDir
	}
	if cmd.Flags().Changed("prompts-dir") {
		cfg.PromptsDir = c.promptsDir
	}
	if cmd.Flags().Changed("responses-dir") {
		cfg.ResponsesDir = c.responsesDir
	}
	if c.verbose {
		cfg.VerboseLog = true
	}
	// stdout carries results, so logs go to stderr.
	slog.SetDefault(observability.NewLogger(cmd.ErrOrStderr(), cfg))

	comps, err := app.Build(cfg)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.components = comps
	return comps, nil
}

func (c *commandContext) close() {
	if c.components != nil {
		_ = c.components.Close()
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "llmcall",
		Short:         "Run LLM calls through the dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			ctx.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.modelsDir, "models-dir", "", "Directory of model YAML files (default $MODELS_DIR)")
	rootCmd.PersistentFlags().StringVar(&ctx.promptsDir, "prompts-dir", "", "Directory of prompt files (default $PROMPTS_DIR)")
	rootCmd.PersistentFlags().StringVar(&ctx.responsesDir, "responses-dir", "", "Directory of sample responses (default $RESPONSES_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Log full prompts, payloads and responses")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newEstimateCommand(ctx))
	rootCmd.AddCommand(newModelsCommand(ctx))

	return rootCmd
}
