package handoff

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/repo"
)

// SQLTransport uses the workspace mailbox table, so agents on the same
// workspace can talk without a broker. Subscribers poll from the newest
// message id at subscription time.
type SQLTransport struct {
	Repo         repo.Repo
	PollInterval time.Duration
	Logger       *zap.Logger
}

func (t SQLTransport) Send(ctx context.Context, m Message) error {
	_, err := t.Repo.InsertMessage(ctx, toMailbox(m))
	return err
}

func (t SQLTransport) Acks(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.poll(ctx, recipient, true)
}

func (t SQLTransport) Inbox(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.poll(ctx, recipient, false)
}

func (t SQLTransport) poll(ctx context.Context, recipient string, acks bool) (<-chan Message, func(), error) {
	cursor, err := t.Repo.LatestMessageID(ctx, recipient)
	if err != nil {
		return nil, nil, err
	}
	interval := t.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	log := logging.OrNop(t.Logger)
	out := make(chan Message, 16)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rows, err := t.Repo.MessagesAfter(ctx, recipient, acks, cursor, 100)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("mailbox poll failed", zap.String("recipient", recipient), zap.Error(err))
				}
				continue
			}
			for _, row := range rows {
				cursor = row.ID
				m, err := fromMailbox(row)
				if err != nil {
					log.Warn("skipping malformed mailbox message", zap.Int64("id", row.ID), zap.Error(err))
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}
	return out, stop, nil
}

func toMailbox(m Message) domain.MailboxMessage {
	return domain.MailboxMessage{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Priority:  string(m.Priority),
		Type:      string(m.Type),
		Retry:     m.Retry,
		Payload:   string(m.Payload),
		SentAt:    m.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromMailbox(row domain.MailboxMessage) (Message, error) {
	sentAt, err := time.Parse(time.RFC3339Nano, row.SentAt)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:       row.MessageID,
		From:     row.From,
		To:       row.To,
		Subject:  row.Subject,
		Priority: Priority(row.Priority),
		Type:     Kind(row.Type),
		Retry:    row.Retry,
		SentAt:   sentAt,
	}
	if row.Payload != "" {
		m.Payload = json.RawMessage(row.Payload)
	}
	return m, nil
}

// FromMailbox converts a stored mailbox row back into a message.
func FromMailbox(row domain.MailboxMessage) (Message, error) {
	return fromMailbox(row)
}
