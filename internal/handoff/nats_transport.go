package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"planline/internal/logging"
)

// NATSTransport publishes messages on <prefix>.inbox.<recipient> and
// acknowledgments on <prefix>.ack.<recipient>.
type NATSTransport struct {
	Conn   *nats.Conn
	Prefix string
	Logger *zap.Logger
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

var unsafeToken = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func (t NATSTransport) subject(box, recipient string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = "planline"
	}
	return prefix + "." + box + "." + unsafeToken.ReplaceAllString(recipient, "_")
}

func (t NATSTransport) Send(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	box := "inbox"
	if m.Type == Ack {
		box = "ack"
	}
	if err := t.Conn.Publish(t.subject(box, m.To), data); err != nil {
		return err
	}
	return t.flush(ctx)
}

// flush waits for the server to process everything published so far.
func (t NATSTransport) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return t.Conn.FlushWithContext(ctx)
	}
	return t.Conn.FlushTimeout(5 * time.Second)
}

func (t NATSTransport) Acks(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.subscribe(ctx, t.subject("ack", recipient))
}

func (t NATSTransport) Inbox(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.subscribe(ctx, t.subject("inbox", recipient))
}

func (t NATSTransport) subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	raw := make(chan *nats.Msg, 64)
	sub, err := t.Conn.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := t.flush(ctx); err != nil {
		sub.Unsubscribe()
		return nil, nil, err
	}
	log := logging.OrNop(t.Logger)
	out := make(chan Message, 16)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case nm := <-raw:
				var m Message
				if err := json.Unmarshal(nm.Data, &m); err != nil {
					log.Warn("dropping malformed handoff message", zap.String("subject", nm.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- m:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
			wg.Wait()
		})
	}
	return out, stop, nil
}
