package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"kb-slackbot/internal/domain"
)

const (
	repliesPageSize = 200
	maxReplyPages   = 5
)

// slackAPI is the subset of *slack.Client the bot calls.
type slackAPI interface {
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Client reads threads, posts replies and manages status reactions.
type Client struct {
	api slackAPI

	botMu sync.Mutex
	botID string
}

// NewClient creates a Client authenticated with a bot token. Options are
// passed through to slack.New.
func NewClient(botToken string, opts ...slack.Option) (*Client, error) {
	botToken = strings.TrimSpace(botToken)
	if botToken == "" {
		return nil, errors.New("slack: bot token must not be empty")
	}
	return newClient(slack.New(botToken, opts...))
}

func newClient(api slackAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("slack: api must not be nil")
	}
	return &Client{api: api}, nil
}

// RecentMessages returns up to limit of the latest messages in the thread
// rooted at threadRoot, oldest first. Very long threads are read up to a page cap.
func (c *Client) RecentMessages(ctx context.Context, channel, threadRoot string, limit int) ([]domain.TranscriptMessage, error) {
	if channel == "" || threadRoot == "" {
		return nil, errors.New("slack: RecentMessages: channel and thread root are required")
	}
	if limit <= 0 {
		return nil, nil
	}

	var msgs []slack.Message
	cursor := ""
	for page := 0; page < maxReplyPages; page++ {
		batch, hasMore, next, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadRoot,
			Cursor:    cursor,
			Limit:     repliesPageSize,
			Inclusive: true,
		})
		if err != nil {
			return nil, fmt.Errorf("slack: RecentMessages: %w", err)
		}
		msgs = append(msgs, batch...)
		if !hasMore || next == "" {
			break
		}
		cursor = next
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.TranscriptMessage{
			Author:    m.User,
			BotID:     m.BotID,
			Timestamp: m.Timestamp,
			Text:      m.Text,
		})
	}
	return out, nil
}

// BotUserID returns the bot's own user ID. The first successful lookup is cached.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.botMu.Lock()
	defer c.botMu.Unlock()
	if c.botID != "" {
		return c.botID, nil
	}
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack: BotUserID: %w", err)
	}
	if resp == nil || resp.UserID == "" {
		return "", errors.New("slack: BotUserID: auth.test returned no user id")
	}
	c.botID = resp.UserID
	return c.botID, nil
}

// PostReply posts text into the thread rooted at threadRoot.
func (c *Client) PostReply(ctx context.Context, channel, threadRoot, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadRoot != "" {
		opts = append(opts, slack.MsgOptionTS(threadRoot))
	}
	if _, _, err := c.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("slack: PostReply: %w", err)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	err := c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
	if err != nil && !isSlackError(err, "already_reacted") {
		return fmt.Errorf("slack: AddReaction %s: %w", name, err)
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	err := c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
	if err != nil && !isSlackError(err, "no_reaction") {
		return fmt.Errorf("slack: RemoveReaction %s: %w", name, err)
	}
	return nil
}

func isSlackError(err error, code string) bool {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err == code
	}
	return err.Error() == code
}
