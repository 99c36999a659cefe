package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"planline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, m domain.MailboxMessage) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO messages(message_id,sender,recipient,subject,priority,type,retry,payload_json,sent_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.MessageID, m.From, m.To, m.Subject, m.Priority, m.Type, boolInt(m.Retry), nullable(m.Payload), m.SentAt)
	if err != nil {
		return 0, fmt.Errorf("insert message %s: %w", m.MessageID, err)
	}
	return res.LastInsertId()
}

// MessagesAfter lists messages for recipient with id above cursor, oldest
// first. acks selects acknowledgments or everything else.
func (r Repo) MessagesAfter(ctx context.Context, recipient string, acks bool, cursor int64, limit int) ([]domain.MailboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	op := "!="
	if acks {
		op = "="
	}
	return r.queryMessages(ctx, `WHERE recipient=? AND type`+op+`'ack' AND id>? ORDER BY id ASC LIMIT ?`, recipient, cursor, limit)
}

// Inbox lists messages for recipient, optionally only unread ones.
func (r Repo) Inbox(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]domain.MailboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"recipient=?"}
	if unreadOnly {
		clauses = append(clauses, "read_at IS NULL")
	}
	return r.queryMessages(ctx, fmt.Sprintf(`WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND ")), recipient, limit)
}

func (r Repo) MarkRead(ctx context.Context, ids []int64, ts string) error {
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx, `UPDATE messages SET read_at=? WHERE id=? AND read_at IS NULL`, ts, id); err != nil {
			return err
		}
	}
	return nil
}

// LatestMessageID returns the newest message id addressed to recipient.
func (r Repo) LatestMessageID(ctx context.Context, recipient string) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM messages WHERE recipient=?`, recipient).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryMessages(ctx context.Context, where string, args ...any) ([]domain.MailboxMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,message_id,sender,recipient,subject,priority,type,retry,payload_json,sent_at,read_at FROM messages `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MailboxMessage
	for rows.Next() {
		var m domain.MailboxMessage
		var retry int
		var payload, readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.MessageID, &m.From, &m.To, &m.Subject, &m.Priority, &m.Type, &retry, &payload, &m.SentAt, &readAt); err != nil {
			return nil, err
		}
		m.Retry = retry != 0
		if payload.Valid {
			m.Payload = payload.String
		}
		if readAt.Valid {
			v := readAt.String
			m.ReadAt = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
