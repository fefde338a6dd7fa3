package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"kb-slackbot/internal/domain"
	"kb-slackbot/internal/metrics"
	"kb-slackbot/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) (usecase.Outcome, error)
}

type BotIdentity interface {
	BotUserID(ctx context.Context) (string, error)
}

type Config struct {
	SigningSecret string
	EnableDM      bool
}

// Handler receives Slack Events API webhooks, either from API Gateway (Handle)
// or directly over HTTP (ServeHTTP).
type Handler struct {
	events EventHandler
	bot    BotIdentity
	cfg    Config
	logger *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type response struct {
	status      int
	contentType string
	body        string
}

func NewHandler(eh EventHandler, bot BotIdentity, cfg Config, logger *slog.Logger) (*Handler, error) {
	if eh == nil {
		return nil, errors.New("handler: event handler must not be nil")
	}
	if bot == nil {
		return nil, errors.New("handler: bot identity must not be nil")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("handler: signing secret must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{events: eh, bot: bot, cfg: cfg, logger: logger}, nil
}

// Handle is the AWS Lambda entry point for API Gateway proxy requests.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	for k, vs := range req.MultiValueHeaders {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	body := []byte(req.Body)
	correlationID := correlationIDFrom(headers)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			resp := jsonError(http.StatusBadRequest, string(usecase.ErrorInvalidInput))
			h.finish(ctx, h.logger.With("correlation_id", correlationID), resp)
			return toProxyResponse(resp, correlationID), nil
		}
		body = decoded
	}

	resp := h.process(ctx, correlationID, headers, body)
	return toProxyResponse(resp, correlationID), nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Header)
	w.Header().Set(correlationHeader, correlationID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	var resp response
	if err != nil {
		resp = jsonError(http.StatusBadRequest, string(usecase.ErrorInvalidInput))
		h.finish(r.Context(), h.logger.With("correlation_id", correlationID), resp)
	} else {
		resp = h.process(r.Context(), correlationID, r.Header, body)
	}

	w.Header().Set("Content-Type", resp.contentType)
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func (h *Handler) process(ctx context.Context, correlationID string, headers http.Header, body []byte) response {
	log := h.logger.With("correlation_id", correlationID)
	if retry := headers.Get("X-Slack-Retry-Num"); retry != "" {
		log = log.With("slack_retry_num", retry, "slack_retry_reason", headers.Get("X-Slack-Retry-Reason"))
	}

	if err := h.verify(headers, body); err != nil {
		log.WarnContext(ctx, "slack signature verification failed", "err", err)
		resp := jsonError(http.StatusUnauthorized, "INVALID_SIGNATURE")
		h.finish(ctx, log, resp)
		return resp
	}

	resp := h.dispatch(ctx, log, body)
	h.finish(ctx, log, resp)
	return resp
}

func (h *Handler) verify(headers http.Header, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(headers, h.cfg.SigningSecret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

func (h *Handler) dispatch(ctx context.Context, log *slog.Logger, body []byte) response {
	if !json.Valid(body) {
		log.WarnContext(ctx, "webhook body is not valid JSON")
		return jsonError(http.StatusBadRequest, string(usecase.ErrorInvalidInput))
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		// Unsupported inner event types land here too; acknowledge them so Slack stops redelivering.
		log.InfoContext(ctx, "ignoring unparseable slack event", "err", err)
		return ok()
	}

	switch outer.Type {
	case slackevents.URLVerification:
		verification, isVerification := outer.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !isVerification || verification.Challenge == "" {
			return jsonError(http.StatusBadRequest, string(usecase.ErrorInvalidInput))
		}
		out, _ := json.Marshal(slackevents.ChallengeResponse{Challenge: verification.Challenge})
		return response{status: http.StatusOK, contentType: "application/json", body: string(out)}
	case slackevents.CallbackEvent:
	default:
		log.InfoContext(ctx, "ignoring slack envelope", "type", outer.Type)
		return ok()
	}

	ev, accepted := h.toEvent(ctx, log, outer.InnerEvent)
	if !accepted {
		return ok()
	}

	log = log.With("channel", ev.Channel, "event_ts", ev.TS, "kind", ev.Kind.Name())
	outcome, err := h.events.Handle(ctx, ev)
	if err != nil {
		if usecase.CodeOf(err) == usecase.ErrorStoreUnavailable {
			log.ErrorContext(ctx, "event not admitted, asking slack to redeliver", "err", err)
			return jsonError(http.StatusInternalServerError, string(usecase.ErrorStoreUnavailable))
		}
		log.ErrorContext(ctx, "event handling failed", "outcome", outcome, "err", err)
		return ok()
	}
	log.InfoContext(ctx, "event handled", "outcome", outcome)
	return ok()
}

// toEvent converts a supported inner event into a domain.Event. Bot-authored
// messages, edits and (unless enabled) direct messages are not accepted.
func (h *Handler) toEvent(ctx context.Context, log *slog.Logger, inner slackevents.EventsAPIInnerEvent) (domain.Event, bool) {
	switch e := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if e.BotID != "" {
			return domain.Event{}, false
		}
		botID, err := h.bot.BotUserID(ctx)
		if err != nil {
			log.WarnContext(ctx, "bot identity unavailable, mention text kept as-is", "err", err)
		}
		return domain.Event{
			Channel:  e.Channel,
			User:     e.User,
			TS:       e.TimeStamp,
			ThreadTS: e.ThreadTimeStamp,
			Text:     e.Text,
			Kind:     domain.NewMention(e.Text, botID),
		}, true
	case *slackevents.MessageEvent:
		if !h.cfg.EnableDM || e.ChannelType != "im" || e.SubType != "" || e.BotID != "" || e.User == "" {
			return domain.Event{}, false
		}
		return domain.Event{
			Channel:  e.Channel,
			User:     e.User,
			TS:       e.TimeStamp,
			ThreadTS: e.ThreadTimeStamp,
			Text:     e.Text,
			Kind:     domain.DirectMessage{Text: e.Text},
		}, true
	default:
		log.DebugContext(ctx, "ignoring slack event", "type", inner.Type)
		return domain.Event{}, false
	}
}

func (h *Handler) finish(ctx context.Context, log *slog.Logger, resp response) {
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(resp.status)).Inc()
	if resp.status >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "webhook failed", "status", resp.status)
	}
}

func ok() response {
	return response{status: http.StatusOK, contentType: "text/plain", body: ""}
}

func jsonError(status int, code string) response {
	out, _ := json.Marshal(errorResponse{Error: code})
	return response{status: status, contentType: "application/json", body: string(out)}
}

func toProxyResponse(resp response, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: resp.status,
		Headers: map[string]string{
			"Content-Type":    resp.contentType,
			correlationHeader: correlationID,
		},
		Body: resp.body,
	}
}

func correlationIDFrom(headers http.Header) string {
	if id := strings.TrimSpace(headers.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}
