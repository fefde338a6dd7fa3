package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind is how an inbound message reached the bot. It is resolved once
// at ingestion; the rest of the pipeline only asks it for the query text.
type EventKind interface {
	QueryText() string
	Name() string
}

// Mention is a channel message that @-mentions the bot, with the mention removed.
type Mention struct {
	StrippedText string
}

func (m Mention) QueryText() string { return m.StrippedText }
func (Mention) Name() string        { return "mention" }

// DirectMessage is a message sent to the bot in a DM.
type DirectMessage struct {
	Text string
}

func (d DirectMessage) QueryText() string { return strings.TrimSpace(d.Text) }
func (DirectMessage) Name() string        { return "direct_message" }

// NewMention builds a Mention from raw text, removing every mention of botUserID.
func NewMention(rawText, botUserID string) Mention {
	text := rawText
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
	}
	return Mention{StrippedText: strings.TrimSpace(text)}
}

// Event is one logical user message delivered by the event source.
// Channel, User, TS and Text are immutable across redeliveries.
type Event struct {
	Channel  string
	User     string
	TS       string
	ThreadTS string
	Text     string
	Kind     EventKind
}

// Query returns the text to send to the answering backend.
func (e Event) Query() string {
	if e.Kind == nil {
		return strings.TrimSpace(e.Text)
	}
	return e.Kind.QueryText()
}

// Thread returns the conversation the event belongs to. An unthreaded
// message roots its own thread.
func (e Event) Thread() Thread {
	root := e.ThreadTS
	if root == "" {
		root = e.TS
	}
	return Thread{ChannelID: e.Channel, RootTS: root}
}

// TranscriptMessage is one message read back from a conversation.
type TranscriptMessage struct {
	Author    string
	BotID     string
	Timestamp string
	Text      string
}

// CompareTS compares two Slack-style "seconds.micros" timestamps numerically.
// It returns -1, 0 or 1.
func CompareTS(a, b string) (int, error) {
	as, af, err := parseTS(a)
	if err != nil {
		return 0, err
	}
	bs, bf, err := parseTS(b)
	if err != nil {
		return 0, err
	}
	switch {
	case as < bs:
		return -1, nil
	case as > bs:
		return 1, nil
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	}
	return 0, nil
}

func parseTS(ts string) (int64, int64, error) {
	secPart, fracPart, _ := strings.Cut(strings.TrimSpace(ts), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("domain: invalid timestamp %q", ts)
	}
	if len(fracPart) > 6 {
		fracPart = fracPart[:6]
	}
	var frac int64
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart+strings.Repeat("0", 6-len(fracPart)), 10, 64)
		if err != nil || frac < 0 {
			return 0, 0, fmt.Errorf("domain: invalid timestamp %q", ts)
		}
	}
	return sec, frac, nil
}
