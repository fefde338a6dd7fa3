package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kb-slackbot/internal/domain"
)

func replyIn(ev domain.Event, root string) domain.Event {
	ev.ThreadTS = root
	return ev
}

func TestHandle_FirstTurnSendsQueryVerbatim(t *testing.T) {
	h := newHarness(t)
	ev := mentionEvent("C1", "U1", "100.000100", "what is the VPN policy?")

	outcome, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, outcome)

	require.Equal(t, []askCall{{query: "what is the VPN policy?", sessionToken: ""}}, h.backend.calls)
	require.Equal(t, []postCall{{channel: "C1", threadRoot: "100.000100", text: "hello there"}}, h.replier.posts)
	require.Equal(t, []string{"+eyes", "-eyes", "+white_check_mark"}, h.replier.reactions)
}

func TestHandle_SecondTurnUsesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, mentionEvent("C1", "U1", "100.000100", "hi"))
	require.NoError(t, err)

	h.advance(10 * time.Minute)
	outcome, err := h.orch.Handle(ctx, replyIn(mentionEvent("C1", "U1", "100.000200", "and then?"), "100.000100"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, outcome)

	require.Len(t, h.backend.calls, 2)
	require.Equal(t, askCall{query: "and then?", sessionToken: "sess-1"}, h.backend.calls[1])
	require.Equal(t, "100.000100", h.replier.posts[1].threadRoot)
}

func TestHandle_ExpiredSessionFallsBackToSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, mentionEvent("C1", "U1", "100.000100", "hi"))
	require.NoError(t, err)

	h.advance(time.Hour + time.Second)
	_, err = h.orch.Handle(ctx, replyIn(mentionEvent("C1", "U1", "100.000300", "follow up"), "100.000100"))
	require.NoError(t, err)

	require.Equal(t, askCall{
		query:        "Previous conversation context:\nQ: hi\nA: hello there\n\nCurrent question: follow up",
		sessionToken: "",
	}, h.backend.calls[1])
}

func TestHandle_DuplicateDeliveryAnswersOnce(t *testing.T) {
	h := newHarness(t)
	ev := mentionEvent("C1", "U1", "100.000100", "hi")

	first, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	second, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, OutcomeAnswered, first)
	require.Equal(t, OutcomeDuplicate, second)
	require.Equal(t, 1, h.backend.callCount())
	require.Equal(t, 1, h.replier.postCount())
}

func TestHandle_ConcurrentDeliveriesAnswerOnce(t *testing.T) {
	h := newHarness(t)
	ev := mentionEvent("C1", "U1", "100.000100", "hi")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Handle(context.Background(), ev)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.backend.callCount())
	require.Equal(t, 1, h.replier.postCount())
}

func TestHandle_AlreadyAnsweredAfterDedupExpiry(t *testing.T) {
	h := newHarness(t)
	ev := mentionEvent("C1", "U1", "100.000100", "hi")

	_, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)

	h.advance(6 * time.Minute)
	h.transcript.messages = []domain.TranscriptMessage{
		{Author: "U1", Timestamp: "100.000100", Text: "<@UBOT> hi"},
		{Author: testBotID, Timestamp: "100.000500", Text: "hello there"},
	}
	outcome, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyAnswered, outcome)
	require.Equal(t, 1, h.backend.callCount())
	require.Equal(t, 1, h.replier.postCount())
}

func TestHandle_BackendFailurePostsApologyAndSkipsContext(t *testing.T) {
	h := newHarness(t)
	h.backend.err = errors.New("knowledge base unavailable")
	ev := mentionEvent("C1", "U1", "100.000100", "hi")

	outcome, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeBackendFailed, outcome)

	require.Equal(t, []postCall{{
		channel:    "C1",
		threadRoot: "100.000100",
		text:       "Sorry, I encountered an error: knowledge base unavailable",
	}}, h.replier.posts)
	require.Equal(t, []string{"+eyes", "-eyes", "+x"}, h.replier.reactions)
	require.Equal(t, domain.ContextKindNone, h.resolver.Resolve(context.Background(), ev.Thread()).Kind)
}

func TestHandle_PersistFailureStillReplies(t *testing.T) {
	h := newHarness(t)
	broken := &failingStore{StateStore: h.contexts, putErr: errStoreDown}
	resolver, err := NewContextResolver(broken, broken, ContextConfig{}, discardLogger())
	require.NoError(t, err)
	h.orch, err = NewOrchestrator(h.dedup, resolver, h.backend, h.replier, discardLogger())
	require.NoError(t, err)

	outcome, err := h.orch.Handle(context.Background(), mentionEvent("C1", "U1", "100.000100", "hi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, outcome)
	require.Equal(t, []postCall{{channel: "C1", threadRoot: "100.000100", text: "hello there"}}, h.replier.posts)
	require.Equal(t, []string{"+eyes", "-eyes", "+white_check_mark"}, h.replier.reactions)
}

func TestHandle_AdmissionErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.dedupStore = &failingStore{StateStore: h.sessions, putIfAbsentErr: errStoreDown}
	h.rebuild(t)

	outcome, err := h.orch.Handle(context.Background(), mentionEvent("C1", "U1", "100.000100", "hi"))
	require.Error(t, err)
	require.Equal(t, OutcomeError, outcome)
	require.Equal(t, ErrorStoreUnavailable, CodeOf(err))
	require.Zero(t, h.backend.callCount())
	require.Zero(t, h.replier.postCount())
	require.Empty(t, h.replier.reactions)
}

func TestHandle_EmptyQueryIsIgnored(t *testing.T) {
	h := newHarness(t)
	ev := mentionEvent("C1", "U1", "100.000100", "   ")

	outcome, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Zero(t, h.backend.callCount())

	// An ignored event leaves no dedup record behind.
	ok, err := h.sessions.Get(context.Background(), dedupKeyPrefix+Fingerprint(ev))
	require.NoError(t, err)
	require.True(t, ok.IsAbsent())
}

func TestHandle_ReplierFailuresDoNotFailTheEvent(t *testing.T) {
	h := newHarness(t)
	h.replier.postErr = errors.New("channel_not_found")
	h.replier.reactErr = errors.New("missing_scope")

	outcome, err := h.orch.Handle(context.Background(), mentionEvent("C1", "U1", "100.000100", "hi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, outcome)
	require.Equal(t, "sess-1", h.resolver.Resolve(context.Background(), domain.Thread{ChannelID: "C1", RootTS: "100.000100"}).SessionToken())
}

func TestHandle_DirectMessage(t *testing.T) {
	h := newHarness(t)
	ev := domain.Event{
		Channel: "D1",
		User:    "U1",
		TS:      "200.000001",
		Text:    "  reset my password  ",
		Kind:    domain.DirectMessage{Text: "  reset my password  "},
	}

	outcome, err := h.orch.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeAnswered, outcome)
	require.Equal(t, "reset my password", h.backend.calls[0].query)
	require.Equal(t, "200.000001", h.replier.posts[0].threadRoot)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := NewOrchestrator(nil, h.resolver, h.backend, h.replier, nil)
	require.Error(t, err)
	_, err = NewOrchestrator(h.dedup, nil, h.backend, h.replier, nil)
	require.Error(t, err)
	_, err = NewOrchestrator(h.dedup, h.resolver, nil, h.replier, nil)
	require.Error(t, err)
	_, err = NewOrchestrator(h.dedup, h.resolver, h.backend, nil, nil)
	require.Error(t, err)
}
