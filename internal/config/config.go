// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	// ModelsDir holds one YAML profile per model.
	ModelsDir    string `env:"MODELS_DIR" envDefault:"configs/models"`
	PromptsDir   string `env:"PROMPTS_DIR" envDefault:"configs/prompts"`
	ResponsesDir string `env:"RESPONSES_DIR" envDefault:"configs/responses"`
	// VerboseLog logs full prompts, payloads and responses. Otherwise they
	// are cut to LogTruncate characters.
	VerboseLog       bool `env:"VERBOSE_LOG" envDefault:"false"`
	LogTruncate      int  `env:"LOG_TRUNCATE" envDefault:"250"`
	ProfileCacheSize int  `env:"PROFILE_CACHE_SIZE" envDefault:"256"`
	// Defaults applied to profiles that leave these unset.
	DefaultRequestsPerSecond float64 `env:"DEFAULT_REQUESTS_PER_SECOND" envDefault:"50"`
	DefaultTokenizer         string  `env:"DEFAULT_TOKENIZER" envDefault:"internal"`
	DefaultTokenUplift       float64 `env:"DEFAULT_TOKEN_UPLIFT" envDefault:"1.05"`
	// RedisURL switches admission gates to a Redis token bucket shared by
	// every replica. Empty keeps gates in-process.
	RedisURL            string        `env:"REDIS_URL"`
	RephraseMaxParallel int           `env:"REPHRASE_MAX_PARALLEL" envDefault:"8"`
	OTLPEndpoint        string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName     string        `env:"OTEL_SERVICE_NAME" envDefault:"llm-dispatcher"`
	CORSAllowOrigins    string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin     int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	MaxRequestBodyKB    int64         `env:"MAX_REQUEST_BODY_KB" envDefault:"1024"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10m"`
	// Retry defaults for profiles that leave them unset.
	RetryMaxRetries       int           `env:"RETRY_MAX_RETRIES" envDefault:"5"`
	RetryBackoffWait      time.Duration `env:"RETRY_BACKOFF_WAIT" envDefault:"150ms"`
	RetryBackoffExponent  float64       `env:"RETRY_BACKOFF_EXPONENT" envDefault:"2"`
	RetryCallTimeout      time.Duration `env:"RETRY_CALL_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10m"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// RedisEnabled reports whether admission gates should be shared through Redis.
func (c Config) RedisEnabled() bool { return strings.TrimSpace(c.RedisURL) != "" }
