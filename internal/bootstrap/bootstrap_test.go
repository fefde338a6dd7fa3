package bootstrap

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"kb-slackbot/internal/config"
	"kb-slackbot/internal/domain"
)

const signingSecret = "test-signing-secret"

type fakeSlack struct {
	mu        sync.Mutex
	posts     []string
	reactions []string
}

func (f *fakeSlack) RecentMessages(context.Context, string, string, int) ([]domain.TranscriptMessage, error) {
	return nil, nil
}

func (f *fakeSlack) BotUserID(context.Context) (string, error) { return "UBOT", nil }

func (f *fakeSlack) PostReply(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeSlack) AddReaction(_ context.Context, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "+"+name)
	return nil
}

func (f *fakeSlack) RemoveReaction(_ context.Context, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, "-"+name)
	return nil
}

type echoBackend struct {
	mu      sync.Mutex
	queries []string
}

func (b *echoBackend) Ask(_ context.Context, query, _ string) (domain.Answer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, query)
	return domain.Answer{Text: "answer to " + query, SessionToken: "sess-1"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Slack:               config.SlackConfig{BotToken: "xoxb", SigningSecret: signingSecret},
		State:               config.StateConfig{Backend: config.StateBackendMemory},
		AnswerBackend:       config.AnswerBackendOpenAI,
		DedupTTL:            5 * time.Minute,
		SessionTTL:          time.Hour,
		ContextTTL:          48 * time.Hour,
		MaxContextLength:    3000,
		SummaryAnswerLength: 500,
		TranscriptLookback:  10,
	}
}

func signedRequest(body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewBufferString(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestAssemble_EndToEndDuplicateDelivery(t *testing.T) {
	cfg := testConfig()
	stores, err := NewStores(context.Background(), cfg, nil)
	require.NoError(t, err)

	slackFake := &fakeSlack{}
	backend := &echoBackend{}
	app, err := Assemble(cfg, stores, backend, slackFake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	body := `{"type":"event_callback","team_id":"T1","event":{"type":"app_mention","user":"U1",` +
		`"text":"<@UBOT> where is the handbook?","ts":"1700000000.000100","channel":"C1"}}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		app.Handler.ServeHTTP(rec, signedRequest(body))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Equal(t, []string{"where is the handbook?"}, backend.queries)
	require.Equal(t, []string{"answer to where is the handbook?"}, slackFake.posts)
	require.Equal(t, []string{"+eyes", "-eyes", "+white_check_mark"}, slackFake.reactions)
}

func TestNewStores_Memory(t *testing.T) {
	stores, err := NewStores(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	require.Same(t, stores.Sessions, stores.Dedup)
	require.Same(t, stores.Sessions, stores.Contexts)
}

func TestNewStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.State = config.StateConfig{Backend: config.StateBackendRedis, RedisURL: "redis://" + mr.Addr()}

	stores, err := NewStores(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, stores.Dedup.Put(context.Background(), "dedup#x", "1", time.Minute))
	require.True(t, mr.Exists(redisKeyPrefix+"dedup#x"))
	require.Len(t, stores.closers, 1)
	require.NoError(t, stores.closers[0].Close())
}

func TestNewStores_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.State.Backend = config.StateBackendDynamoDB
	_, err := NewStores(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg.State = config.StateConfig{Backend: config.StateBackendRedis, RedisURL: "redis://127.0.0.1:1"}
	_, err = NewStores(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg.State.Backend = "etcd"
	_, err = NewStores(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestAssemble_Validation(t *testing.T) {
	cfg := testConfig()
	_, err := Assemble(cfg, nil, &echoBackend{}, &fakeSlack{}, nil)
	require.Error(t, err)

	stores, err := NewStores(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = Assemble(cfg, stores, nil, &fakeSlack{}, nil)
	require.Error(t, err)

	cfg.Slack.SigningSecret = ""
	_, err = Assemble(cfg, stores, &echoBackend{}, &fakeSlack{}, nil)
	require.Error(t, err)
}

func TestNeedsAWS(t *testing.T) {
	cfg := testConfig()
	require.False(t, needsAWS(cfg))
	cfg.ParamPrefix = "/kb"
	require.True(t, needsAWS(cfg))
	cfg = testConfig()
	cfg.AnswerBackend = config.AnswerBackendBedrock
	require.True(t, needsAWS(cfg))
}
