package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/require"

	"kb-slackbot/internal/domain"
	"kb-slackbot/internal/repository"
)

const testBotID = "UBOT"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStore wraps a store and injects errors per operation.
type failingStore struct {
	StateStore
	putIfAbsentErr error
	getErr         error
	putErr         error
}

func (f *failingStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.putIfAbsentErr != nil {
		return f.putIfAbsentErr
	}
	return f.StateStore.PutIfAbsent(ctx, key, value, ttl)
}

func (f *failingStore) Get(ctx context.Context, key string) (mo.Option[domain.Record], error) {
	if f.getErr != nil {
		return mo.None[domain.Record](), f.getErr
	}
	return f.StateStore.Get(ctx, key)
}

func (f *failingStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.StateStore.Put(ctx, key, value, ttl)
}

type fakeTranscript struct {
	mu       sync.Mutex
	messages []domain.TranscriptMessage
	err      error
	botErr   error
	calls    int
	limits   []int
}

func (f *fakeTranscript) RecentMessages(_ context.Context, _, _ string, limit int) ([]domain.TranscriptMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	return f.messages, f.err
}

func (f *fakeTranscript) BotUserID(_ context.Context) (string, error) {
	if f.botErr != nil {
		return "", f.botErr
	}
	return testBotID, nil
}

type askCall struct {
	query        string
	sessionToken string
}

type fakeBackend struct {
	mu     sync.Mutex
	answer domain.Answer
	err    error
	calls  []askCall
}

func (f *fakeBackend) Ask(_ context.Context, query, sessionToken string) (domain.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, askCall{query: query, sessionToken: sessionToken})
	return f.answer, f.err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type postCall struct {
	channel    string
	threadRoot string
	text       string
}

type fakeReplier struct {
	mu        sync.Mutex
	posts     []postCall
	reactions []string
	postErr   error
	reactErr  error
}

func (f *fakeReplier) PostReply(_ context.Context, channel, threadRoot, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{channel: channel, threadRoot: threadRoot, text: text})
	return f.postErr
}

func (f *fakeReplier) AddReaction(_ context.Context, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "+"+name)
	return f.reactErr
}

func (f *fakeReplier) RemoveReaction(_ context.Context, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "-"+name)
	return f.reactErr
}

func (f *fakeReplier) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// harness wires an Orchestrator over in-memory stores sharing one clock.
type harness struct {
	now        time.Time
	sessions   *repository.MemoryStore
	contexts   *repository.MemoryStore
	dedupStore StateStore
	transcript *fakeTranscript
	backend    *fakeBackend
	replier    *fakeReplier
	resolver   *ContextResolver
	dedup      *Deduplicator
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		transcript: &fakeTranscript{},
		backend:    &fakeBackend{answer: domain.Answer{Text: "hello there", SessionToken: "sess-1"}},
		replier:    &fakeReplier{},
	}
	clock := func() time.Time { return h.now }
	h.sessions = repository.NewMemoryStore().WithClock(clock)
	h.contexts = repository.NewMemoryStore().WithClock(clock)
	h.dedupStore = h.sessions
	h.rebuild(t)
	return h
}

// rebuild recreates the components after a store has been swapped.
func (h *harness) rebuild(t *testing.T) {
	t.Helper()
	var err error
	h.dedup, err = NewDeduplicator(h.dedupStore, h.transcript, 5*time.Minute, 10, discardLogger())
	require.NoError(t, err)
	h.resolver, err = NewContextResolver(h.sessions, h.contexts, ContextConfig{}, discardLogger())
	require.NoError(t, err)
	h.orch, err = NewOrchestrator(h.dedup, h.resolver, h.backend, h.replier, discardLogger())
	require.NoError(t, err)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func mentionEvent(channel, user, ts, text string) domain.Event {
	return domain.Event{
		Channel: channel,
		User:    user,
		TS:      ts,
		Text:    "<@" + testBotID + "> " + text,
		Kind:    domain.NewMention("<@"+testBotID+"> "+text, testBotID),
	}
}

var errStoreDown = errors.New("store unavailable")
