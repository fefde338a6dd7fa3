package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"

	"kb-slackbot/internal/domain"
	"kb-slackbot/internal/metrics"
	"kb-slackbot/internal/repository"
)

const (
	defaultDedupTTL = 5 * time.Minute
	defaultLookback = 10
	dedupKeyPrefix  = "dedup#"
)

// StateStore is the TTL key-value store the core coordinates through.
type StateStore interface {
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (mo.Option[domain.Record], error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// Transcript reads back recent conversation messages and knows who the bot is.
type Transcript interface {
	RecentMessages(ctx context.Context, channel, threadRoot string, limit int) ([]domain.TranscriptMessage, error)
	BotUserID(ctx context.Context) (string, error)
}

type Admission int

const (
	Admitted Admission = iota
	Rejected
)

func (a Admission) String() string {
	if a == Admitted {
		return "admitted"
	}
	return "rejected"
}

type Deduplicator struct {
	store      StateStore
	transcript Transcript
	ttl        time.Duration
	lookback   int
	logger     *slog.Logger
	now        func() time.Time
}

func NewDeduplicator(store StateStore, transcript Transcript, ttl time.Duration, lookback int, logger *slog.Logger) (*Deduplicator, error) {
	if store == nil {
		return nil, errors.New("usecase: dedup store must not be nil")
	}
	if transcript == nil {
		return nil, errors.New("usecase: transcript reader must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		store:      store,
		transcript: transcript,
		ttl:        ttl,
		lookback:   lookback,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Admit records an admission attempt for fingerprint with a single
// insert-if-absent. Only a key conflict rejects; any other store failure is
// returned so the caller can fail the delivery and let the source redeliver.
func (d *Deduplicator) Admit(ctx context.Context, fingerprint string) (Admission, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return Rejected, newError(ErrorInvalidInput, "empty_fingerprint", nil)
	}
	stamp := strconv.FormatInt(d.now().Unix(), 10)
	err := d.store.PutIfAbsent(ctx, dedupKeyPrefix+fingerprint, stamp, d.ttl)
	switch {
	case err == nil:
		return Admitted, nil
	case repository.IsConflict(err):
		return Rejected, nil
	default:
		return Rejected, newError(ErrorStoreUnavailable, "dedup_write_error", err)
	}
}

// AlreadyRespondedTo reports whether the bot posted in the thread after eventTS,
// looking at the most recent messages only. It is a best-effort guard: read
// failures yield false.
func (d *Deduplicator) AlreadyRespondedTo(ctx context.Context, channel, threadRoot, eventTS string) bool {
	botID, err := d.transcript.BotUserID(ctx)
	if err != nil || botID == "" {
		d.logger.WarnContext(ctx, "bot identity unavailable for reply check", "err", err)
		metrics.RecoveredFailures.WithLabelValues("transcript").Inc()
		return false
	}
	if threadRoot == "" {
		threadRoot = eventTS
	}
	msgs, err := d.transcript.RecentMessages(ctx, channel, threadRoot, d.lookback)
	if err != nil {
		d.logger.WarnContext(ctx, "transcript read failed for reply check", "channel", channel, "err", err)
		metrics.RecoveredFailures.WithLabelValues("transcript").Inc()
		return false
	}
	if len(msgs) > d.lookback {
		msgs = msgs[len(msgs)-d.lookback:]
	}
	return botRepliedAfter(msgs, botID, eventTS)
}

func botRepliedAfter(msgs []domain.TranscriptMessage, botID, eventTS string) bool {
	for _, m := range msgs {
		if m.Author != botID {
			continue
		}
		cmp, err := domain.CompareTS(m.Timestamp, eventTS)
		if err != nil {
			continue
		}
		if cmp > 0 {
			return true
		}
	}
	return false
}
