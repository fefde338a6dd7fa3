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
	reactionWorking = "eyes"
	reactionDone    = "white_check_mark"
	reactionFailed  = "x"
)

// Backend is the answering service. sessionToken may be empty.
type Backend interface {
	Ask(ctx context.Context, query, sessionToken string) (domain.Answer, error)
}

// Replier delivers replies and status reactions to the conversation.
type Replier interface {
	PostReply(ctx context.Context, channel, threadRoot, text string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
}

type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeAlreadyAnswered Outcome = "already_answered"
	OutcomeBackendFailed   Outcome = "backend_failed"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeError           Outcome = "error"
)

// Orchestrator runs one inbound event end to end: admission, context
// resolution, one backend call, context update and reply.
type Orchestrator struct {
	dedup    *Deduplicator
	contexts *ContextResolver
	backend  Backend
	replier  Replier
	logger   *slog.Logger
}

func NewOrchestrator(dedup *Deduplicator, contexts *ContextResolver, backend Backend, replier Replier, logger *slog.Logger) (*Orchestrator, error) {
	if dedup == nil {
		return nil, errors.New("usecase: deduplicator must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("usecase: context resolver must not be nil")
	}
	if backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if replier == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		dedup:    dedup,
		contexts: contexts,
		backend:  backend,
		replier:  replier,
		logger:   logger,
	}, nil
}

// Handle processes ev. The returned error is non-nil only when admission could
// not be decided; every other failure is absorbed and reported through the outcome.
func (o *Orchestrator) Handle(ctx context.Context, ev domain.Event) (Outcome, error) {
	outcome, err := o.handle(ctx, ev)
	metrics.EventsHandled.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (o *Orchestrator) handle(ctx context.Context, ev domain.Event) (Outcome, error) {
	fingerprint := Fingerprint(ev)
	log := o.logger.With("channel", ev.Channel, "event_ts", ev.TS, "fingerprint", fingerprint)

	query := ev.Query()
	if query == "" {
		log.InfoContext(ctx, "event has no query text, ignoring")
		return OutcomeIgnored, nil
	}

	admission, err := o.dedup.Admit(ctx, fingerprint)
	if err != nil {
		log.ErrorContext(ctx, "admission failed", "err", err)
		return OutcomeError, err
	}
	if admission == Rejected {
		log.InfoContext(ctx, "duplicate event blocked")
		return OutcomeDuplicate, nil
	}

	thread := ev.Thread()
	if o.dedup.AlreadyRespondedTo(ctx, ev.Channel, thread.RootTS, ev.TS) {
		log.InfoContext(ctx, "already responded to event")
		return OutcomeAlreadyAnswered, nil
	}

	o.react(ctx, log, ev, "", reactionWorking)

	resolved := o.contexts.Resolve(ctx, thread)
	log.InfoContext(ctx, "context resolved", "thread", thread.Key(), "kind", resolved.Kind)

	started := time.Now()
	answer, err := o.backend.Ask(ctx, buildQuery(resolved, query), resolved.SessionToken())
	if err != nil {
		metrics.BackendDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		backendErr := newError(ErrorBackendFailed, "ask_error", err)
		log.WarnContext(ctx, "backend call failed", "transient", IsTransient(err), "err", backendErr)
		o.post(ctx, log, thread, apologyText(err))
		o.react(ctx, log, ev, reactionWorking, reactionFailed)
		return OutcomeBackendFailed, nil
	}
	metrics.BackendDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())

	if err := o.contexts.Persist(ctx, thread, answer.SessionToken, query, answer.Text); err != nil {
		log.WarnContext(ctx, "context persist failed, replying anyway", "thread", thread.Key(), "err", err)
		metrics.RecoveredFailures.WithLabelValues("context_persist").Inc()
	}

	o.post(ctx, log, thread, answer.Text)
	o.react(ctx, log, ev, reactionWorking, reactionDone)
	log.InfoContext(ctx, "event answered", "thread", thread.Key(), "new_session", answer.SessionToken != "")
	return OutcomeAnswered, nil
}

func (o *Orchestrator) post(ctx context.Context, log *slog.Logger, thread domain.Thread, text string) {
	if err := o.replier.PostReply(ctx, thread.ChannelID, thread.RootTS, text); err != nil {
		log.WarnContext(ctx, "reply post failed", "err", err)
		metrics.RecoveredFailures.WithLabelValues("reply").Inc()
	}
}

// react swaps the status reaction on the triggering message. Failures only cost the indicator.
func (o *Orchestrator) react(ctx context.Context, log *slog.Logger, ev domain.Event, remove, add string) {
	if remove != "" {
		if err := o.replier.RemoveReaction(ctx, ev.Channel, ev.TS, remove); err != nil {
			log.DebugContext(ctx, "reaction remove failed", "reaction", remove, "err", err)
			metrics.RecoveredFailures.WithLabelValues("reaction").Inc()
		}
	}
	if err := o.replier.AddReaction(ctx, ev.Channel, ev.TS, add); err != nil {
		log.DebugContext(ctx, "reaction add failed", "reaction", add, "err", err)
		metrics.RecoveredFailures.WithLabelValues("reaction").Inc()
	}
}
