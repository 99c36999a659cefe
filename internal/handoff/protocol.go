package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/logging"
	"planline/internal/metrics"
)

// DefaultAckTimeout is how long each attempt waits for an acknowledgment.
const DefaultAckTimeout = 30 * time.Second

var ErrAckTimeout = errors.New("acknowledgment timeout")

// AckTimeoutError is returned once both attempts went unacknowledged and the
// supervisor was notified.
type AckTimeoutError struct {
	Subject          string
	Recipient        string
	SentAt           time.Time
	RetriedAt        time.Time
	EscalatedTo      string
	BlockedOperation string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgment from %s for %q (sent %s, retried %s); escalated to %s, %s stays blocked",
		e.Recipient, e.Subject, e.SentAt.Format(time.RFC3339), e.RetriedAt.Format(time.RFC3339), e.EscalatedTo, e.BlockedOperation)
}

func (e *AckTimeoutError) Unwrap() error { return ErrAckTimeout }

// Transport moves messages between agents.
type Transport interface {
	Send(ctx context.Context, m Message) error
	// Acks streams acknowledgments addressed to recipient until stop is called.
	Acks(ctx context.Context, recipient string) (acks <-chan Message, stop func(), err error)
	// Inbox streams every other message addressed to recipient.
	Inbox(ctx context.Context, recipient string) (msgs <-chan Message, stop func(), err error)
}

type Result struct {
	MessageID string    `json:"message_id"`
	Attempts  int       `json:"attempts"`
	AckedAt   time.Time `json:"acked_at"`
}

// Protocol runs the send, wait, retry, escalate sequence. The zero value is
// not usable; Transport and Supervisor are required.
type Protocol struct {
	Transport  Transport
	Clock      Clock
	AckTimeout time.Duration
	Supervisor string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func (p *Protocol) clock() Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return realClock{}
}

func (p *Protocol) timeout() time.Duration {
	if p.AckTimeout > 0 {
		return p.AckTimeout
	}
	return DefaultAckTimeout
}

// Deliver sends msg and blocks until it is acknowledged. Without an
// acknowledgment it resends once, flagged as a retry and raised to high
// priority, then escalates to the supervisor and returns AckTimeoutError.
// Cancelling ctx stops the wait and nothing further is sent.
func (p *Protocol) Deliver(ctx context.Context, msg Message, blockedOperation string) (Result, error) {
	log := logging.OrNop(p.Logger).With(zap.String("subject", msg.Subject), zap.String("to", msg.To))
	if p.Transport == nil {
		return Result{}, errors.New("handoff transport not configured")
	}
	if p.Supervisor == "" {
		return Result{}, errors.New("handoff supervisor not configured")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = Normal
	}
	if msg.Type == "" {
		msg.Type = Notification
	}
	if msg.Type == Ack || msg.Type == Escalation {
		return Result{}, fmt.Errorf("%w: %s messages are not delivered with acknowledgment", ErrInvalidMessage, msg.Type)
	}
	msg.Retry = false
	msg.SentAt = p.clock().Now()
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}

	acks, stop, err := p.Transport.Acks(ctx, msg.From)
	if err != nil {
		return Result{}, fmt.Errorf("subscribe to acknowledgments: %w", err)
	}
	defer stop()

	res := Result{MessageID: msg.ID}
	if err := p.send(ctx, msg, "initial"); err != nil {
		return res, err
	}
	res.Attempts = 1
	log.Debug("handoff sent", zap.String("id", msg.ID))
	if at, err := p.await(ctx, acks, msg); err != nil {
		return res, p.cancelled(err)
	} else if !at.IsZero() {
		res.AckedAt = at
		p.Metrics.HandoffOutcome("acked")
		return res, nil
	}

	retry := msg
	retry.Retry = true
	if retry.Priority == Normal {
		retry.Priority = High
	}
	retry.SentAt = p.clock().Now()
	log.Warn("no acknowledgment, retrying", zap.Duration("waited", p.timeout()))
	if err := p.send(ctx, retry, "retry"); err != nil {
		return res, err
	}
	res.Attempts = 2
	if at, err := p.await(ctx, acks, msg); err != nil {
		return res, p.cancelled(err)
	} else if !at.IsZero() {
		res.AckedAt = at
		p.Metrics.HandoffOutcome("acked_after_retry")
		return res, nil
	}

	timeoutErr := &AckTimeoutError{
		Subject:          msg.Subject,
		Recipient:        msg.To,
		SentAt:           msg.SentAt,
		RetriedAt:        retry.SentAt,
		EscalatedTo:      p.Supervisor,
		BlockedOperation: blockedOperation,
	}
	payload, err := json.Marshal(escalationPayload{
		OriginalID:       msg.ID,
		OriginalSubject:  msg.Subject,
		Recipient:        msg.To,
		SentAt:           msg.SentAt,
		RetriedAt:        retry.SentAt,
		BlockedOperation: blockedOperation,
	})
	if err != nil {
		return res, err
	}
	esc := Message{
		ID:       uuid.NewString(),
		From:     msg.From,
		To:       p.Supervisor,
		Subject:  "ESCALATION: " + msg.Subject,
		Priority: Urgent,
		Type:     Escalation,
		SentAt:   p.clock().Now(),
		Payload:  payload,
	}
	log.Error("no acknowledgment after retry, escalating", zap.String("supervisor", p.Supervisor), zap.String("blocked_operation", blockedOperation))
	p.Metrics.HandoffOutcome("escalated")
	if err := p.send(ctx, esc, "escalation"); err != nil {
		return res, errors.Join(timeoutErr, fmt.Errorf("send escalation: %w", err))
	}
	return res, timeoutErr
}

func (p *Protocol) send(ctx context.Context, m Message, kind string) error {
	if err := ctx.Err(); err != nil {
		return p.cancelled(err)
	}
	if err := p.Transport.Send(ctx, m); err != nil {
		return fmt.Errorf("send %s message %s: %w", kind, m.ID, err)
	}
	p.Metrics.HandoffSent(kind)
	return nil
}

// await returns the ack time, a zero time on timeout, or the context error.
// Only an ack from the original recipient with the same subject counts.
func (p *Protocol) await(ctx context.Context, acks <-chan Message, msg Message) (time.Time, error) {
	timer := p.clock().After(p.timeout())
	for {
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-timer:
			return time.Time{}, nil
		case ack, ok := <-acks:
			if !ok {
				acks = nil
				continue
			}
			if ack.Subject == msg.Subject && ack.From == msg.To {
				if ack.SentAt.IsZero() {
					return p.clock().Now(), nil
				}
				return ack.SentAt, nil
			}
		}
	}
}

func (p *Protocol) cancelled(err error) error {
	p.Metrics.HandoffOutcome("cancelled")
	return err
}
