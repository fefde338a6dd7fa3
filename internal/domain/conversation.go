package domain

import "time"

// Thread identifies a conversation: a channel plus the timestamp of the
// message that roots the thread.
type Thread struct {
	ChannelID string
	RootTS    string
}

// Key returns the store key shared by the session and summary records of the thread.
func (t Thread) Key() string {
	return t.ChannelID + "_" + t.RootTS
}

// IsZero reports whether the thread lacks a channel or root.
func (t Thread) IsZero() bool {
	return t.ChannelID == "" || t.RootTS == ""
}

// Record is a single value held by the state store.
type Record struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
// A zero ExpiresAt never expires.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ActiveSession is a backend-issued continuity token for a thread.
type ActiveSession struct {
	Token     string
	ExpiresAt time.Time
}

// ContextSummary is the rolling textual transcript kept for a thread once a
// session is gone.
type ContextSummary struct {
	Text      string
	ExpiresAt time.Time
}

// ContextKind tags which variant a ResolvedContext holds.
type ContextKind string

const (
	ContextKindNone    ContextKind = "none"
	ContextKindSession ContextKind = "session"
	ContextKindSummary ContextKind = "summary"
)

// ResolvedContext is the result of resolving a thread's conversational state.
// At most one of Session and Summary is set, matching Kind.
type ResolvedContext struct {
	Kind    ContextKind
	Session ActiveSession
	Summary ContextSummary
}

// NoContext is the empty resolution.
func NoContext() ResolvedContext {
	return ResolvedContext{Kind: ContextKindNone}
}

// SessionContext resolves to an active session.
func SessionContext(s ActiveSession) ResolvedContext {
	return ResolvedContext{Kind: ContextKindSession, Session: s}
}

// SummaryContext resolves to a context summary.
func SummaryContext(s ContextSummary) ResolvedContext {
	return ResolvedContext{Kind: ContextKindSummary, Summary: s}
}

// SessionToken returns the session token, or "" when the context is not a session.
func (r ResolvedContext) SessionToken() string {
	if r.Kind != ContextKindSession {
		return ""
	}
	return r.Session.Token
}
