package handoff

import (
	"context"
	"sync"
)

// MemoryTransport keeps messages in process. It records every message sent.
type MemoryTransport struct {
	mu   sync.Mutex
	sent []Message
	subs map[string][]chan Message
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: map[string][]chan Message{}}
}

func memoryKey(box, recipient string) string { return box + "/" + recipient }

func (t *MemoryTransport) Send(ctx context.Context, m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, m)
	box := "inbox"
	if m.Type == Ack {
		box = "ack"
	}
	for _, ch := range t.subs[memoryKey(box, m.To)] {
		select {
		case ch <- m:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Acks(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.subscribe(memoryKey("ack", recipient))
}

func (t *MemoryTransport) Inbox(ctx context.Context, recipient string) (<-chan Message, func(), error) {
	return t.subscribe(memoryKey("inbox", recipient))
}

func (t *MemoryTransport) subscribe(key string) (<-chan Message, func(), error) {
	ch := make(chan Message, 64)
	t.mu.Lock()
	t.subs[key] = append(t.subs[key], ch)
	t.mu.Unlock()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			subs := t.subs[key]
			for i, c := range subs {
				if c == ch {
					t.subs[key] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, stop, nil
}

// Sent returns a copy of every message sent so far.
func (t *MemoryTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}
