// Package provider contains the outbound gateway to the SMS provider's
// message-creation API. Failures are classified into a closed set of error
// classes (rate-limited, connectivity, terminal API error) so callers can
// branch with errors.Is/errors.As instead of string matching.
package provider

import (
	"context"
	"time"
)

// Message describes a single create-message call.
type Message struct {
	To                  string
	From                string
	MessagingServiceSID string
	Body                string

	// Optional modifiers. Zero values mean "not set".
	SendAt          time.Time
	MediaURLs       []string
	StatusCallback  string
	ValiditySeconds int
}

// Receipt captures the provider's answer to a create-message call. On API
// failures the receipt is still populated with whatever the provider returned.
type Receipt struct {
	SID       string
	Status    string
	ErrorCode int
	Body      string
	Timestamp time.Time
}

// Gateway is the one-shot create-message operation.
type Gateway interface {
	CreateMessage(ctx context.Context, msg *Message) (*Receipt, error)
}
