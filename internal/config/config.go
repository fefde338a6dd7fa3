package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StateBackendDynamoDB = "dynamodb"
	StateBackendRedis    = "redis"
	StateBackendMemory   = "memory"

	AnswerBackendBedrock = "bedrock"
	AnswerBackendOpenAI  = "openai"
)

type SlackConfig struct {
	BotToken      string
	SigningSecret string
	EnableDM      bool
}

// IsConfigured reports whether both Slack secrets are present.
func (c SlackConfig) IsConfigured() bool {
	return c.BotToken != "" && c.SigningSecret != ""
}

type StateConfig struct {
	Backend       string
	SessionsTable string
	ContextTable  string
	DedupTable    string
	RedisURL      string
}

type BedrockConfig struct {
	KnowledgeBaseID string
	ModelARN        string
	PromptTemplate  string
	NumberOfResults int32
}

type OpenAIConfig struct {
	Model   string
	BaseURL string
}

type Config struct {
	Port        string
	LogLevel    slog.Level
	ParamPrefix string

	Slack         SlackConfig
	State         StateConfig
	AnswerBackend string
	Bedrock       BedrockConfig
	OpenAI        OpenAIConfig

	DedupTTL            time.Duration
	SessionTTL          time.Duration
	ContextTTL          time.Duration
	MaxContextLength    int
	SummaryAnswerLength int
	TranscriptLookback  int
}

// Load reads an optional .env file, then the environment. Slack secrets may
// be left empty here and filled from Parameter Store by ResolveSecrets.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{
		Port:        getEnvWithDefault("PORT", "8080"),
		ParamPrefix: strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),

		Slack: SlackConfig{
			BotToken:      strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")),
			SigningSecret: strings.TrimSpace(os.Getenv("SLACK_SIGNING_SECRET")),
		},
		State: StateConfig{
			Backend:       strings.ToLower(getEnvWithDefault("STATE_BACKEND", StateBackendDynamoDB)),
			SessionsTable: getEnvWithDefault("SESSIONS_TABLE_NAME", "oscar-sessions"),
			ContextTable:  getEnvWithDefault("CONTEXT_TABLE_NAME", "oscar-context"),
			RedisURL:      os.Getenv("REDIS_URL"),
		},
		AnswerBackend: strings.ToLower(getEnvWithDefault("ANSWER_BACKEND", AnswerBackendBedrock)),
		Bedrock: BedrockConfig{
			KnowledgeBaseID: os.Getenv("KNOWLEDGE_BASE_ID"),
			ModelARN:        os.Getenv("MODEL_ARN"),
			PromptTemplate:  os.Getenv("PROMPT_TEMPLATE"),
		},
		OpenAI: OpenAIConfig{
			Model:   getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
	}
	cfg.State.DedupTable = getEnvWithDefault("DEDUP_TABLE_NAME", cfg.State.SessionsTable)

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	cfg.LogLevel, err = logLevel(getEnvWithDefault("LOG_LEVEL", "info"))
	collect(err)
	cfg.Slack.EnableDM, err = envBool("ENABLE_DM", false)
	collect(err)
	cfg.DedupTTL, err = envDuration("DEDUP_TTL", 5*time.Minute)
	collect(err)
	cfg.SessionTTL, err = envDuration("SESSION_TTL", time.Hour)
	collect(err)
	cfg.ContextTTL, err = envDuration("CONTEXT_TTL", 48*time.Hour)
	collect(err)
	cfg.MaxContextLength, err = envInt("MAX_CONTEXT_LENGTH", 3000)
	collect(err)
	cfg.SummaryAnswerLength, err = envInt("CONTEXT_SUMMARY_LENGTH", 500)
	collect(err)
	cfg.TranscriptLookback, err = envInt("TRANSCRIPT_LOOKBACK", 10)
	collect(err)
	results, err := envInt("NUMBER_OF_RESULTS", 0)
	collect(err)
	cfg.Bedrock.NumberOfResults = int32(results)

	collect(cfg.validate())
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.State.Backend {
	case StateBackendDynamoDB, StateBackendMemory:
	case StateBackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("config: REDIS_URL is required when STATE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STATE_BACKEND %q", c.State.Backend))
	}
	switch c.AnswerBackend {
	case AnswerBackendBedrock:
		if c.Bedrock.KnowledgeBaseID == "" || c.Bedrock.ModelARN == "" {
			errs = append(errs, errors.New("config: KNOWLEDGE_BASE_ID and MODEL_ARN are required when ANSWER_BACKEND=bedrock"))
		}
	case AnswerBackendOpenAI:
		if c.ParamPrefix == "" {
			errs = append(errs, errors.New("config: PARAM_PREFIX is required when ANSWER_BACKEND=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown ANSWER_BACKEND %q", c.AnswerBackend))
	}
	if !c.Slack.IsConfigured() && c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: SLACK_BOT_TOKEN and SLACK_SIGNING_SECRET must be set, or PARAM_PREFIX to read them from Parameter Store"))
	}
	return errors.Join(errs...)
}

// SecretsFetcher reads several Parameter Store values at once.
type SecretsFetcher interface {
	Secrets(ctx context.Context, names ...string) (map[string]string, error)
}

// ResolveSecrets fills Slack secrets missing from the environment from
// <ParamPrefix>/slack-bot-token and <ParamPrefix>/slack-signing-secret.
func (c *Config) ResolveSecrets(ctx context.Context, fetcher SecretsFetcher) error {
	if c.Slack.IsConfigured() {
		return nil
	}
	if c.ParamPrefix == "" || fetcher == nil {
		return errors.New("config: slack secrets are not set and no parameter store is configured")
	}

	var names []string
	tokenName := c.ParamPrefix + "/slack-bot-token"
	secretName := c.ParamPrefix + "/slack-signing-secret"
	if c.Slack.BotToken == "" {
		names = append(names, tokenName)
	}
	if c.Slack.SigningSecret == "" {
		names = append(names, secretName)
	}

	values, err := fetcher.Secrets(ctx, names...)
	if err != nil {
		return fmt.Errorf("config: resolve slack secrets: %w", err)
	}
	if v, ok := values[tokenName]; ok {
		c.Slack.BotToken = v
	}
	if v, ok := values[secretName]; ok {
		c.Slack.SigningSecret = v
	}
	if !c.Slack.IsConfigured() {
		return errors.New("config: slack secrets are empty after parameter store lookup")
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// envDuration accepts a Go duration ("90s", "1h") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func logLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return level, nil
}
