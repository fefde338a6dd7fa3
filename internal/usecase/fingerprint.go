package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"kb-slackbot/internal/domain"
)

// contentDigestLen is the number of hex characters of the text digest kept in a fingerprint.
const contentDigestLen = 16

// Fingerprint derives the dedup identity of an event from its immutable fields:
// channel, user, timestamp and a digest of the raw text. Delivery metadata such
// as retry counts never participates.
func Fingerprint(ev domain.Event) string {
	return strings.Join([]string{ev.Channel, ev.User, ev.TS, contentDigest(ev.Text)}, "_")
}

func contentDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:contentDigestLen]
}
