package sms

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	maxMediaURLs      = 10
	minValiditySecs   = 10
	maxValiditySecs   = 36000
	minScheduleOffset = 15 * time.Minute
	maxScheduleOffset = 7 * 24 * time.Hour
)

// ErrInvalidArgument marks preflight failures: blank required fields, empty
// recipient lists, missing sender configuration, invalid option values. These
// abort a call before any provider contact and are never retried.
var ErrInvalidArgument = errors.New("invalid argument")

// Result is the outcome of one send attempt for one recipient. Immutable once
// produced; exactly one per recipient per bulk operation.
type Result struct {
	// Target is the recipient as normalized, or as originally given when
	// normalization failed.
	Target       string `json:"target"`
	Success      bool   `json:"success"`
	MessageSID   string `json:"message_sid,omitempty"`
	ErrorMessage string `json:"error,omitempty"`

	// Err carries the classified failure for programmatic branching; the
	// wire-facing message lives in ErrorMessage.
	Err error `json:"-"`
}

// Response aggregates one bulk operation. Sent+Failed always equals the
// number of input recipients, duplicates included.
type Response struct {
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// Options are optional per-send modifiers. Zero values mean "not set". Every
// populated field is validated before any network call is made.
type Options struct {
	SendAt         time.Time
	MediaURLs      []string
	StatusCallback string
	ValidityPeriod time.Duration
}

// BulkRequest describes one logical message fanned out to many recipients.
type BulkRequest struct {
	Body        string
	Recipients  []string
	From        string
	ServiceSID  string
	CountryCode string
	// ValidateOnly runs the normalization pipeline without contacting the
	// provider; successes mean "would have been sent".
	ValidateOnly bool
	Options      *Options
}

// Validate checks every populated option against its allowed range. A single
// invalid option fails the whole send.
func (o *Options) Validate(now time.Time) error {
	if o == nil {
		return nil
	}

	if !o.SendAt.IsZero() {
		offset := o.SendAt.Sub(now)
		if offset < minScheduleOffset || offset > maxScheduleOffset {
			return fmt.Errorf("%w: scheduled send time must be between %s and %s from now",
				ErrInvalidArgument, minScheduleOffset, maxScheduleOffset)
		}
	}

	if len(o.MediaURLs) > maxMediaURLs {
		return fmt.Errorf("%w: at most %d media URLs allowed, got %d", ErrInvalidArgument, maxMediaURLs, len(o.MediaURLs))
	}
	for _, raw := range o.MediaURLs {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%w: media URL cannot be blank", ErrInvalidArgument)
		}
	}

	if o.StatusCallback != "" {
		u, err := url.Parse(o.StatusCallback)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%w: status callback must be an https URL", ErrInvalidArgument)
		}
	}

	if o.ValidityPeriod != 0 {
		secs := validitySeconds(o.ValidityPeriod)
		if secs < minValiditySecs || secs > maxValiditySecs {
			return fmt.Errorf("%w: validity period must be between %ds and %ds, got %ds",
				ErrInvalidArgument, minValiditySecs, maxValiditySecs, secs)
		}
	}

	return nil
}

// validitySeconds converts the duration to whole seconds, truncating any
// sub-second remainder.
func validitySeconds(d time.Duration) int {
	return int(d / time.Second)
}

func successResult(target, sid string) Result {
	return Result{Target: target, Success: true, MessageSID: sid}
}

func failureResult(target string, err error) Result {
	msg := "send failed"
	if err != nil {
		msg = err.Error()
	}
	return Result{Target: target, ErrorMessage: msg, Err: err}
}
