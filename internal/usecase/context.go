package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kb-slackbot/internal/domain"
	"kb-slackbot/internal/metrics"
)

const (
	defaultSessionTTL          = time.Hour
	defaultContextTTL          = 48 * time.Hour
	defaultMaxContextLength    = 3000
	defaultSummaryAnswerLength = 500

	sessionKeyPrefix = "session#"
	contextKeyPrefix = "context#"
	entrySeparator   = "\n\n"
	ellipsis         = "..."
)

// ContextConfig holds the TTLs and size budgets of conversational memory.
type ContextConfig struct {
	SessionTTL          time.Duration
	ContextTTL          time.Duration
	MaxContextLength    int
	SummaryAnswerLength int
}

func (c ContextConfig) withDefaults() ContextConfig {
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.ContextTTL <= 0 {
		c.ContextTTL = defaultContextTTL
	}
	if c.MaxContextLength <= 0 {
		c.MaxContextLength = defaultMaxContextLength
	}
	if c.SummaryAnswerLength <= 0 {
		c.SummaryAnswerLength = defaultSummaryAnswerLength
	}
	return c
}

// ContextResolver owns the session and summary records of every thread.
type ContextResolver struct {
	sessions StateStore
	contexts StateStore
	cfg      ContextConfig
	logger   *slog.Logger
}

func NewContextResolver(sessions, contexts StateStore, cfg ContextConfig, logger *slog.Logger) (*ContextResolver, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("usecase: context store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextResolver{
		sessions: sessions,
		contexts: contexts,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}, nil
}

// Resolve returns the thread's active session if there is one, else its
// summary, else nothing. Lookup failures count as absence.
func (r *ContextResolver) Resolve(ctx context.Context, thread domain.Thread) domain.ResolvedContext {
	resolved := r.resolve(ctx, thread)
	metrics.ContextResolutions.WithLabelValues(string(resolved.Kind)).Inc()
	return resolved
}

func (r *ContextResolver) resolve(ctx context.Context, thread domain.Thread) domain.ResolvedContext {
	if thread.IsZero() {
		return domain.NoContext()
	}
	key := thread.Key()

	session, err := r.sessions.Get(ctx, sessionKeyPrefix+key)
	if err != nil {
		r.lookupFailed(ctx, "session", key, err)
	} else if rec, ok := session.Get(); ok && rec.Value != "" {
		return domain.SessionContext(domain.ActiveSession{Token: rec.Value, ExpiresAt: rec.ExpiresAt})
	}

	summary, err := r.contexts.Get(ctx, contextKeyPrefix+key)
	if err != nil {
		r.lookupFailed(ctx, "summary", key, err)
		return domain.NoContext()
	}
	if rec, ok := summary.Get(); ok && rec.Value != "" {
		return domain.SummaryContext(domain.ContextSummary{Text: rec.Value, ExpiresAt: rec.ExpiresAt})
	}
	return domain.NoContext()
}

func (r *ContextResolver) lookupFailed(ctx context.Context, record, key string, err error) {
	lookupErr := newError(ErrorContextLookupFailed, record+"_read_error", err)
	r.logger.WarnContext(ctx, "context lookup failed, continuing without it", "thread", key, "err", lookupErr)
	metrics.RecoveredFailures.WithLabelValues("context_lookup").Inc()
}

// Persist records the outcome of a successful turn: the new session token if
// the backend issued one, and the turn appended to the summary. The summary
// update is a read-modify-write without a version check, so two concurrent
// turns in one thread can lose one contribution.
func (r *ContextResolver) Persist(ctx context.Context, thread domain.Thread, newSessionToken, query, answer string) error {
	if thread.IsZero() {
		return newError(ErrorInvalidInput, "empty_thread", nil)
	}
	key := thread.Key()
	var errs []error

	if newSessionToken != "" {
		if err := r.sessions.Put(ctx, sessionKeyPrefix+key, newSessionToken, r.cfg.SessionTTL); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.appendSummary(ctx, key, query, answer); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return newError(ErrorContextPersistFailed, "context_write_error", errors.Join(errs...))
	}
	return nil
}

func (r *ContextResolver) appendSummary(ctx context.Context, key, query, answer string) error {
	current, err := r.contexts.Get(ctx, contextKeyPrefix+key)
	if err != nil {
		// Writing a fresh summary here would erase the thread's history.
		return err
	}
	previous := ""
	if rec, ok := current.Get(); ok {
		previous = rec.Value
	}
	text := AppendSummary(previous, query, answer, r.cfg.SummaryAnswerLength, r.cfg.MaxContextLength)
	return r.contexts.Put(ctx, contextKeyPrefix+key, text, r.cfg.ContextTTL)
}

// AppendSummary appends one turn to summary and keeps at most maxLen runes,
// dropping the oldest text first.
func AppendSummary(summary, query, answer string, answerLen, maxLen int) string {
	entry := "Q: " + query + "\nA: " + truncateHead(answer, answerLen)
	text := entry
	if summary != "" {
		text = summary + entrySeparator + entry
	}
	return keepTail(text, maxLen)
}

// truncateHead keeps the first n runes of s, marking the cut with an ellipsis.
func truncateHead(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n]) + ellipsis
}

// keepTail keeps the last n runes of s.
func keepTail(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
