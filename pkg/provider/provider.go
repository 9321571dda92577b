// Package provider defines the execution backends that drive a LinkedIn
// browser session on a user's behalf.
//
// A job records its provider kind at creation; workers resolve it through a
// Registry so a job never switches backend mid-flight.
package provider

import (
	"context"

	"github.com/jdziat/sniper/pkg/core"
)

// Identity is the user and workspace a call acts for.
type Identity struct {
	UserID      string
	WorkspaceID string
}

// Engager is a person who reacted to or commented on a post.
type Engager struct {
	Name       string `json:"name,omitempty"`
	Headline   string `json:"headline,omitempty"`
	ProfileURL string `json:"profile_url"`
}

// ConnectStatus is the outcome of a connection request.
type ConnectStatus string

const (
	ConnectSent             ConnectStatus = "sent"
	ConnectPending          ConnectStatus = "pending"
	ConnectAlreadyConnected ConnectStatus = "already_connected"
	ConnectSkipped          ConnectStatus = "skipped"
	ConnectFailed           ConnectStatus = "failed"
)

// Block reasons reported when LinkedIn pushes back on an action.
const (
	BlockWeeklyLimit       = "weekly_limit"
	BlockRateLimited       = "rate_limited"
	BlockAccountRestricted = "account_restricted"
)

// ConnectResult describes a connection request attempt.
type ConnectResult struct {
	Status ConnectStatus `json:"status"`
	// Verified is set when the invite was seen as pending afterwards.
	Verified bool `json:"verified,omitempty"`
	// BlockReason is non-empty when LinkedIn showed a limit or restriction.
	BlockReason string `json:"block_reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// MessageStatus is the outcome of a message attempt.
type MessageStatus string

const (
	MessageSent         MessageStatus = "sent"
	MessageNot1stDegree MessageStatus = "not_1st_degree"
	MessageSkipped      MessageStatus = "skipped"
	MessageFailed       MessageStatus = "failed"
)

// MessageResult describes a message attempt.
type MessageResult struct {
	Status   MessageStatus `json:"status"`
	Verified bool          `json:"verified,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// AuthStart is returned when an embedded login begins.
type AuthStart struct {
	AuthSessionID string `json:"auth_session_id"`
	LiveViewURL   string `json:"live_view_url"`
	SessionHandle string `json:"session_handle"`
}

// AuthComplete is returned once the logged-in profile is saved.
type AuthComplete struct {
	ProfileID string `json:"profile_id"`
}

// Provider drives LinkedIn for one user at a time.
//
// Any call that lands on a login or checkpoint page returns an error
// matching core.ErrAuthRequired.
type Provider interface {
	Kind() core.ProviderKind

	StartLinkedInAuth(ctx context.Context, id Identity) (*AuthStart, error)
	CompleteLinkedInAuth(ctx context.Context, id Identity, authSessionID string) (*AuthComplete, error)

	DiscoverPostEngagers(ctx context.Context, id Identity, postURL string, limit int) ([]Engager, error)
	// SearchPeople collects profiles from a LinkedIn people search url,
	// following its pages.
	SearchPeople(ctx context.Context, id Identity, searchURL string, limit int) ([]Engager, error)
	SendConnectionRequest(ctx context.Context, id Identity, profileURL, note string) (ConnectResult, error)
	SendMessage(ctx context.Context, id Identity, profileURL, text string) (MessageResult, error)
}

// ItemStatus maps a connection outcome to an item status.
func (s ConnectStatus) ItemStatus() core.ItemStatus {
	switch s {
	case ConnectSent, ConnectPending, ConnectAlreadyConnected:
		return core.ItemSuccess
	case ConnectSkipped:
		return core.ItemSkipped
	}
	return core.ItemFailed
}

// Sent reports whether an invite was actually sent by this attempt.
func (s ConnectStatus) Sent() bool { return s == ConnectSent }

// ItemStatus maps a message outcome to an item status.
func (s MessageStatus) ItemStatus() core.ItemStatus {
	switch s {
	case MessageSent:
		return core.ItemSuccess
	case MessageSkipped, MessageNot1stDegree:
		return core.ItemSkipped
	}
	return core.ItemFailed
}

// Sent reports whether a message was actually sent by this attempt.
func (s MessageStatus) Sent() bool { return s == MessageSent }
