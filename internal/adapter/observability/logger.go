package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/llm-dispatcher/internal/config"
)

// SetupLogger configures a JSON slog logger on stdout with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}

// NewLogger builds the service logger on w. Debug level is enabled in dev
// and whenever verbose call logging is on, since prompt and payload dumps
// are logged at debug.
func NewLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() || cfg.VerboseLog {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
