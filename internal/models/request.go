// Package models defines the JSON wire shapes crossing the Kafka ingestion
// surface.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/sms-dispatch/internal/sms"
)

// ErrInvalidRequest marks requests that fail wire-level validation. They are
// rejected without touching the send pipeline.
var ErrInvalidRequest = errors.New("invalid bulk send request")

// SendOptions mirrors the optional per-send modifiers on the wire.
type SendOptions struct {
	SendAt          *time.Time `json:"send_at,omitempty"`
	MediaURLs       []string   `json:"media_urls,omitempty"`
	StatusCallback  string     `json:"status_callback,omitempty"`
	ValiditySeconds int        `json:"validity_seconds,omitempty"`
}

// BulkSendRequest is one logical message fanned out to many recipients,
// consumed from the request topic.
type BulkSendRequest struct {
	MessageID    string            `json:"message_id"`
	Body         string            `json:"body"`
	Recipients   []string          `json:"recipients"`
	From         string            `json:"from,omitempty"`
	ServiceSID   string            `json:"service_sid,omitempty"`
	CountryCode  string            `json:"country_code,omitempty"`
	ValidateOnly bool              `json:"validate_only,omitempty"`
	Options      *SendOptions      `json:"options,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// ParseBulkSendRequest unmarshals and validates a request payload. Range
// validation of option values happens later in the send service; this layer
// only rejects structurally broken requests.
func ParseBulkSendRequest(payload []byte) (*BulkSendRequest, error) {
	var req BulkSendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := strings.TrimSpace(req.MessageID)
	if id == "" {
		return &req, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(id); err != nil {
		return &req, fmt.Errorf("%w: message_id must be a UUID: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Body) == "" {
		return &req, fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	if len(req.Recipients) == 0 {
		return &req, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRequest)
	}

	return &req, nil
}

// ToBulkRequest converts the wire shape into the send service's request.
func (r *BulkSendRequest) ToBulkRequest() *sms.BulkRequest {
	req := &sms.BulkRequest{
		Body:         r.Body,
		Recipients:   append([]string(nil), r.Recipients...),
		From:         r.From,
		ServiceSID:   r.ServiceSID,
		CountryCode:  r.CountryCode,
		ValidateOnly: r.ValidateOnly,
	}
	if r.Options != nil {
		opts := &sms.Options{
			MediaURLs:      append([]string(nil), r.Options.MediaURLs...),
			StatusCallback: r.Options.StatusCallback,
			ValidityPeriod: time.Duration(r.Options.ValiditySeconds) * time.Second,
		}
		if r.Options.SendAt != nil {
			opts.SendAt = *r.Options.SendAt
		}
		req.Options = opts
	}
	return req
}
