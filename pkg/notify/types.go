// Package notify delivers messages to recipients over their enabled channels,
// retrying transient failures and escalating critical messages one hop.
package notify

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Severity ranks a message.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Mode selects how a recipient's channels are used.
type Mode string

const (
	// ModeAll attempts every enabled channel independently.
	ModeAll Mode = "all"
	// ModeFirstSuccess attempts channels in priority order and stops at the first success.
	ModeFirstSuccess Mode = "first_success"
)

// Channel names.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Endpoint is one channel address of a recipient.
type Endpoint struct {
	Channel  string `json:"channel" yaml:"channel"`
	Address  string `json:"address" yaml:"address"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Recipient is read from the directory. Endpoints are in priority order.
type Recipient struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Endpoints  []Endpoint `json:"endpoints" yaml:"endpoints"`
	SuperiorID string     `json:"superior_id,omitempty" yaml:"superior_id,omitempty"`
}

// Enabled returns the endpoints that may be attempted, in priority order.
func (r Recipient) Enabled() []Endpoint {
	var out []Endpoint
	for _, e := range r.Endpoints {
		if !e.Disabled && e.Address != "" {
			out = append(out, e)
		}
	}
	return out
}

// Message is the payload handed to transports.
type Message struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	EntityID string   `json:"entity_id,omitempty"`
	// OriginalID is set on escalated copies.
	OriginalID string `json:"original_id,omitempty"`
}

// Hash is the hex blake3 digest of the delivered content.
func (m Message) Hash() string {
	sum := blake3.Sum256([]byte(string(m.Severity) + "\n" + m.Subject + "\n" + m.Body))
	return hex.EncodeToString(sum[:])
}

func (m Message) validate() error {
	if !m.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", m.Severity)
	}
	if m.Subject == "" && m.Body == "" {
		return fmt.Errorf("message %s is empty", m.ID)
	}
	return nil
}

// DeliveryAttempt records one send on one channel. Retry is 0 for the initial attempt.
type DeliveryAttempt struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	RecipientID string    `json:"recipient_id"`
	MessageHash string    `json:"message_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Permanent   bool      `json:"permanent,omitempty"`
	Retry       int       `json:"retry"`
}

// EscalationEvent links a critical delivery to the copy sent to the recipient's superior.
type EscalationEvent struct {
	ID                string    `json:"id"`
	SourceAttemptID   string    `json:"source_attempt_id,omitempty"`
	SourceRecipientID string    `json:"source_recipient_id"`
	TargetRecipientID string    `json:"target_recipient_id"`
	MessageID         string    `json:"message_id"`
	OriginalMessageID string    `json:"original_message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// Report is the outcome of one dispatch.
type Report struct {
	MessageID   string            `json:"message_id"`
	RecipientID string            `json:"recipient_id"`
	Mode        Mode              `json:"mode"`
	Attempts    []DeliveryAttempt `json:"attempts"`
	Escalation  *EscalationEvent  `json:"escalation,omitempty"`
	// Escalated is the superior's dispatch report when an escalation happened.
	Escalated *Report `json:"escalated,omitempty"`
	// EscalationError explains a critical message that could not be escalated.
	EscalationError string `json:"escalation_error,omitempty"`
}

// Delivered reports whether any channel accepted the message.
func (r *Report) Delivered() bool {
	for _, a := range r.Attempts {
		if a.Success {
			return true
		}
	}
	return false
}

// Initial returns the attempts with Retry == 0.
func (r *Report) Initial() []DeliveryAttempt {
	var out []DeliveryAttempt
	for _, a := range r.Attempts {
		if a.Retry == 0 {
			out = append(out, a)
		}
	}
	return out
}

// DeliveredChannels lists the channels that succeeded.
func (r *Report) DeliveredChannels() []string {
	var out []string
	for _, a := range r.Attempts {
		if a.Success {
			out = append(out, a.Channel)
		}
	}
	return out
}
