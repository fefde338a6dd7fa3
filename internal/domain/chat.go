package domain

// ChatMessage is the provider-agnostic chat message shape used by chat-style
// answering backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Answer is what an answering backend returns for one query. SessionToken is
// empty when the backend did not issue (or does not support) a session.
type Answer struct {
	Text         string
	SessionToken string
}
