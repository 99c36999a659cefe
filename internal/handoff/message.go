// Package handoff delivers messages between agents with an acknowledgment
// deadline, one retry and a final escalation to a supervisor.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Priority string

const (
	Normal Priority = "normal"
	High   Priority = "high"
	Urgent Priority = "urgent"
)

type Kind string

const (
	Notification Kind = "notification"
	Request      Kind = "request"
	Response     Kind = "response"
	Status       Kind = "status"
	Ack          Kind = "ack"
	Escalation   Kind = "escalation"
)

// Message is the envelope every transport carries.
type Message struct {
	ID       string          `json:"id" validate:"required"`
	From     string          `json:"from" validate:"required,max=128"`
	To       string          `json:"to" validate:"required,max=128"`
	Subject  string          `json:"subject" validate:"required,max=256"`
	Priority Priority        `json:"priority" validate:"oneof=normal high urgent"`
	Type     Kind            `json:"type" validate:"oneof=notification request response status ack escalation"`
	Retry    bool            `json:"retry"`
	SentAt   time.Time       `json:"sent_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New()

var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the envelope fields.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	return nil
}

// NewMessage builds a normal-priority notification with a fresh id.
func NewMessage(from, to, subject string, payload any) (Message, error) {
	m := Message{
		ID:       uuid.NewString(),
		From:     from,
		To:       to,
		Subject:  subject,
		Priority: Normal,
		Type:     Notification,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode payload: %w", err)
		}
		m.Payload = data
	}
	return m, nil
}

// AckFor builds the acknowledgment of m, sent back to its sender under the
// same subject.
func AckFor(m Message, at time.Time) Message {
	payload, _ := json.Marshal(map[string]string{"ack_of": m.ID})
	return Message{
		ID:       uuid.NewString(),
		From:     m.To,
		To:       m.From,
		Subject:  m.Subject,
		Priority: Normal,
		Type:     Ack,
		SentAt:   at,
		Payload:  payload,
	}
}

// escalationPayload is what the supervisor receives when a message was
// never acknowledged.
type escalationPayload struct {
	OriginalID       string    `json:"original_id"`
	OriginalSubject  string    `json:"original_subject"`
	Recipient        string    `json:"recipient"`
	SentAt           time.Time `json:"sent_at"`
	RetriedAt        time.Time `json:"retried_at"`
	BlockedOperation string    `json:"blocked_operation"`
}
