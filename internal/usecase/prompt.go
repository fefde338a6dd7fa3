package usecase

import (
	"fmt"
	"strings"

	"kb-slackbot/internal/domain"
)

const apologyPrefix = "Sorry, I encountered an error: "

// maxApologyDetail bounds how much of an error message is echoed back to the user.
const maxApologyDetail = 300

// buildQuery returns the text sent to the backend. A live session carries its
// own memory, so only the summary fallback is framed into the query.
func buildQuery(resolved domain.ResolvedContext, text string) string {
	if resolved.Kind != domain.ContextKindSummary {
		return text
	}
	summary := strings.TrimSpace(resolved.Summary.Text)
	if summary == "" {
		return text
	}
	return fmt.Sprintf("Previous conversation context:\n%s\n\nCurrent question: %s", summary, text)
}

func apologyText(err error) string {
	detail := "unknown error"
	if err != nil {
		detail = normalizePromptInput(err.Error())
	}
	return apologyPrefix + truncateHead(detail, maxApologyDetail)
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
