package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-dispatcher/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	require.NotNil(t, lg)
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	require.NotNil(t, lg2)
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.Config
		debug bool
	}{
		{name: "dev", cfg: config.Config{AppEnv: "dev"}, debug: true},
		{name: "prod", cfg: config.Config{AppEnv: "prod"}, debug: false},
		{name: "prod verbose", cfg: config.Config{AppEnv: "prod", VerboseLog: true}, debug: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			lg := NewLogger(&buf, tt.cfg)
			assert.Equal(t, tt.debug, lg.Enabled(context.Background(), slog.LevelDebug))
		})
	}
}

func TestNewLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, config.Config{AppEnv: "test", OTELServiceName: "llm-dispatcher"}).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "llm-dispatcher", line["service"])
	assert.Equal(t, "test", line["env"])
}
