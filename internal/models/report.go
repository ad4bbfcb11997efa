package models

import (
	"time"

	"github.com/example/sms-dispatch/internal/sms"
)

// DeliveryReport is the per-recipient terminal outcome published to the
// report topic after a bulk request has been processed.
type DeliveryReport struct {
	MessageID  string    `json:"message_id"`
	Target     string    `json:"target"`
	Success    bool      `json:"success"`
	MessageSID string    `json:"message_sid,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReportsFromResponse flattens a bulk response into one report per recipient.
func ReportsFromResponse(messageID string, resp *sms.Response, at time.Time) []DeliveryReport {
	if resp == nil {
		return nil
	}
	reports := make([]DeliveryReport, 0, len(resp.Results))
	for _, r := range resp.Results {
		reports = append(reports, DeliveryReport{
			MessageID:  messageID,
			Target:     r.Target,
			Success:    r.Success,
			MessageSID: r.MessageSID,
			Error:      r.ErrorMessage,
			Timestamp:  at,
		})
	}
	return reports
}
