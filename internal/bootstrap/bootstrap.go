package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"kb-slackbot/handler"
	"kb-slackbot/internal/config"
	"kb-slackbot/internal/integrations/bedrock"
	"kb-slackbot/internal/integrations/openai"
	"kb-slackbot/internal/integrations/paramstore"
	slackclient "kb-slackbot/internal/integrations/slack"
	"kb-slackbot/internal/repository"
	"kb-slackbot/internal/usecase"
)

const (
	sessionsPartitionKey = "session_key"
	contextPartitionKey  = "thread_key"
	redisKeyPrefix       = "kbbot:"
)

// SlackClient is everything the pipeline needs from Slack.
type SlackClient interface {
	usecase.Transcript
	usecase.Replier
	handler.BotIdentity
}

// Stores holds the three record namespaces. They may share one backend.
type Stores struct {
	Dedup    usecase.StateStore
	Sessions usecase.StateStore
	Contexts usecase.StateStore

	closers []io.Closer
}

// App is the fully wired webhook handler plus what must be released on shutdown.
type App struct {
	Handler *handler.Handler
	closers []io.Closer
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// New builds the App from cfg, loading AWS configuration only when a
// configured component needs it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var awsCfg *aws.Config
	if needsAWS(cfg) {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
		}
		awsCfg = &loaded
	}

	var params *paramstore.Client
	if cfg.ParamPrefix != "" {
		var err error
		params, err = paramstore.New(awsssm.NewFromConfig(*awsCfg))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: paramstore: %w", err)
		}
	}
	if !cfg.Slack.IsConfigured() {
		if err := cfg.ResolveSecrets(ctx, params); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	stores, err := NewStores(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg, awsCfg, params, logger)
	if err != nil {
		return nil, err
	}

	slackClient, err := slackclient.NewClient(cfg.Slack.BotToken)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: slack client: %w", err)
	}

	app, err := Assemble(cfg, stores, backend, slackClient, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func needsAWS(cfg *config.Config) bool {
	return cfg.State.Backend == config.StateBackendDynamoDB ||
		cfg.AnswerBackend == config.AnswerBackendBedrock ||
		cfg.ParamPrefix != ""
}

// NewStores opens the configured state backend. awsCfg is only used for DynamoDB.
func NewStores(ctx context.Context, cfg *config.Config, awsCfg *aws.Config) (*Stores, error) {
	switch cfg.State.Backend {
	case config.StateBackendDynamoDB:
		if awsCfg == nil {
			return nil, errors.New("bootstrap: dynamodb state backend needs AWS config")
		}
		ddb := awsdynamodb.NewFromConfig(*awsCfg)
		sessions, err := repository.NewDynamoStore(ddb, cfg.State.SessionsTable, sessionsPartitionKey)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: sessions table: %w", err)
		}
		contexts, err := repository.NewDynamoStore(ddb, cfg.State.ContextTable, contextPartitionKey)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: context table: %w", err)
		}
		dedup := sessions
		if cfg.State.DedupTable != "" && cfg.State.DedupTable != cfg.State.SessionsTable {
			dedup, err = repository.NewDynamoStore(ddb, cfg.State.DedupTable, sessionsPartitionKey)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: dedup table: %w", err)
			}
		}
		return &Stores{Dedup: dedup, Sessions: sessions, Contexts: contexts}, nil

	case config.StateBackendRedis:
		store, err := repository.NewRedisStoreFromURL(ctx, cfg.State.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return &Stores{Dedup: store, Sessions: store, Contexts: store, closers: []io.Closer{store}}, nil

	case config.StateBackendMemory:
		store := repository.NewMemoryStore()
		return &Stores{Dedup: store, Sessions: store, Contexts: store}, nil
	}
	return nil, fmt.Errorf("bootstrap: unknown state backend %q", cfg.State.Backend)
}

func newBackend(cfg *config.Config, awsCfg *aws.Config, params *paramstore.Client, logger *slog.Logger) (usecase.Backend, error) {
	switch cfg.AnswerBackend {
	case config.AnswerBackendBedrock:
		client, err := bedrock.New(bedrockagentruntime.NewFromConfig(*awsCfg), bedrock.Config{
			KnowledgeBaseID: cfg.Bedrock.KnowledgeBaseID,
			ModelARN:        cfg.Bedrock.ModelARN,
			PromptTemplate:  cfg.Bedrock.PromptTemplate,
			NumberOfResults: cfg.Bedrock.NumberOfResults,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: bedrock: %w", err)
		}
		return client, nil
	case config.AnswerBackendOpenAI:
		if params == nil {
			return nil, errors.New("bootstrap: openai backend needs PARAM_PREFIX")
		}
		opts := []openai.Option{openai.WithModel(cfg.OpenAI.Model), openai.WithLogger(logger)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		client, err := openai.NewClient(params, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("bootstrap: unknown answer backend %q", cfg.AnswerBackend)
}

// Assemble wires the use cases and webhook handler over already-built collaborators.
func Assemble(cfg *config.Config, stores *Stores, backend usecase.Backend, slackClient SlackClient, logger *slog.Logger) (*App, error) {
	if stores == nil {
		return nil, errors.New("bootstrap: stores must not be nil")
	}
	dedup, err := usecase.NewDeduplicator(stores.Dedup, slackClient, cfg.DedupTTL, cfg.TranscriptLookback, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	resolver, err := usecase.NewContextResolver(stores.Sessions, stores.Contexts, usecase.ContextConfig{
		SessionTTL:          cfg.SessionTTL,
		ContextTTL:          cfg.ContextTTL,
		MaxContextLength:    cfg.MaxContextLength,
		SummaryAnswerLength: cfg.SummaryAnswerLength,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	orch, err := usecase.NewOrchestrator(dedup, resolver, backend, slackClient, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	h, err := handler.NewHandler(orch, slackClient, handler.Config{
		SigningSecret: cfg.Slack.SigningSecret,
		EnableDM:      cfg.Slack.EnableDM,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &App{Handler: h, closers: stores.closers}, nil
}
