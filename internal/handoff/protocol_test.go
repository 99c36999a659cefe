package handoff_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/handoff"
	"planline/internal/logging"
	"planline/internal/metrics"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []fakeTimer
	waiting chan struct{}
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), waiting: make(chan struct{}, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	c.waiting <- struct{}{}
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.timers[:0]
	for _, tm := range c.timers {
		if !tm.at.After(c.now) {
			tm.ch <- c.now
			continue
		}
		kept = append(kept, tm)
	}
	c.timers = kept
}

func (c *fakeClock) awaitTimer(t *testing.T) {
	t.Helper()
	select {
	case <-c.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("protocol never started waiting")
	}
}

type outcome struct {
	res handoff.Result
	err error
}

func deliverAsync(ctx context.Context, p *handoff.Protocol, msg handoff.Message) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Deliver(ctx, msg, "approve-plan")
		done <- outcome{res, err}
	}()
	return done
}

func waitOutcome(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("deliver did not return")
		return outcome{}
	}
}

func newMessage(t *testing.T) handoff.Message {
	t.Helper()
	msg, err := handoff.NewMessage("planner", "builder", "design complete", map[string]string{"plan_id": "plan-1"})
	require.NoError(t, err)
	return msg
}

func TestNoAckSendsOneRetryThenOneEscalation(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	clk := newFakeClock()
	logger, logs := logging.NewObserved()
	p := &handoff.Protocol{Transport: tr, Clock: clk, Supervisor: "orchestrator", Logger: logger, Metrics: metrics.New()}
	t0 := clk.Now()
	msg := newMessage(t)

	done := deliverAsync(context.Background(), p, msg)
	clk.awaitTimer(t)
	require.Len(t, tr.Sent(), 1)
	assert.False(t, tr.Sent()[0].Retry)
	assert.Equal(t, handoff.Normal, tr.Sent()[0].Priority)

	clk.Advance(29 * time.Second)
	assert.Len(t, tr.Sent(), 1, "retry must wait the full 30 seconds")
	clk.Advance(time.Second)
	clk.awaitTimer(t)

	sent := tr.Sent()
	require.Len(t, sent, 2)
	retry := sent[1]
	assert.True(t, retry.Retry)
	assert.Equal(t, handoff.High, retry.Priority)
	assert.Equal(t, msg.ID, retry.ID)
	assert.JSONEq(t, string(sent[0].Payload), string(retry.Payload))
	assert.Equal(t, t0.Add(30*time.Second), retry.SentAt)

	clk.Advance(30 * time.Second)
	o := waitOutcome(t, done)
	require.ErrorIs(t, o.err, handoff.ErrAckTimeout)
	var te *handoff.AckTimeoutError
	require.True(t, errors.As(o.err, &te))
	assert.Equal(t, t0, te.SentAt)
	assert.Equal(t, t0.Add(30*time.Second), te.RetriedAt)
	assert.Equal(t, "orchestrator", te.EscalatedTo)
	assert.Equal(t, "approve-plan", te.BlockedOperation)
	assert.Equal(t, 2, o.res.Attempts)

	sent = tr.Sent()
	require.Len(t, sent, 3)
	esc := sent[2]
	assert.Equal(t, handoff.Escalation, esc.Type)
	assert.Equal(t, "orchestrator", esc.To)
	assert.Equal(t, "ESCALATION: design complete", esc.Subject)
	assert.Equal(t, t0.Add(60*time.Second), esc.SentAt)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(esc.Payload, &payload))
	assert.Equal(t, "approve-plan", payload["blocked_operation"])
	assert.Equal(t, "design complete", payload["original_subject"])
	assert.NotEmpty(t, payload["sent_at"])
	assert.NotEmpty(t, payload["retried_at"])

	clk.Advance(time.Hour)
	assert.Len(t, tr.Sent(), 3, "nothing is sent after escalation")
	assert.Equal(t, 1, logs.FilterMessage("no acknowledgment after retry, escalating").Len())
}

func TestAckStopsDelivery(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	clk := newFakeClock()
	p := &handoff.Protocol{Transport: tr, Clock: clk, Supervisor: "orchestrator"}
	done := deliverAsync(context.Background(), p, newMessage(t))
	clk.awaitTimer(t)

	sent := tr.Sent()[0]
	require.NoError(t, tr.Send(context.Background(), handoff.AckFor(sent, clk.Now().Add(5*time.Second))))
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 1, o.res.Attempts)
	assert.Equal(t, clk.Now().Add(5*time.Second), o.res.AckedAt)

	clk.Advance(time.Minute)
	assert.Len(t, tr.Sent(), 2, "only the message and its ack")
}

func TestAckForOtherSubjectIsIgnored(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	clk := newFakeClock()
	p := &handoff.Protocol{Transport: tr, Clock: clk, Supervisor: "orchestrator"}
	msg := newMessage(t)
	msg.Priority = handoff.Urgent
	done := deliverAsync(context.Background(), p, msg)
	clk.awaitTimer(t)

	other := tr.Sent()[0]
	other.Subject = "something else"
	require.NoError(t, tr.Send(context.Background(), handoff.AckFor(other, clk.Now())))
	clk.Advance(30 * time.Second)
	clk.awaitTimer(t)
	retry := tr.Sent()[2]
	assert.True(t, retry.Retry)
	assert.Equal(t, handoff.Urgent, retry.Priority, "priority is never lowered")

	require.NoError(t, tr.Send(context.Background(), handoff.AckFor(retry, clk.Now())))
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 2, o.res.Attempts)
}

func TestAckFromAnotherAgentIsIgnored(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	clk := newFakeClock()
	p := &handoff.Protocol{Transport: tr, Clock: clk, Supervisor: "orchestrator"}
	done := deliverAsync(context.Background(), p, newMessage(t))
	clk.awaitTimer(t)

	impostor := tr.Sent()[0]
	impostor.To = "someone-else"
	require.NoError(t, tr.Send(context.Background(), handoff.AckFor(impostor, clk.Now())))
	clk.Advance(30 * time.Second)
	clk.awaitTimer(t)
	retry := tr.Sent()[2]
	assert.True(t, retry.Retry)

	require.NoError(t, tr.Send(context.Background(), handoff.AckFor(retry, clk.Now())))
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 2, o.res.Attempts)
}

func TestCancellationSendsNothingFurther(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	clk := newFakeClock()
	p := &handoff.Protocol{Transport: tr, Clock: clk, Supervisor: "orchestrator"}
	ctx, cancel := context.WithCancel(context.Background())
	done := deliverAsync(ctx, p, newMessage(t))
	clk.awaitTimer(t)
	cancel()
	o := waitOutcome(t, done)
	assert.ErrorIs(t, o.err, context.Canceled)
	clk.Advance(time.Hour)
	assert.Len(t, tr.Sent(), 1)
}

func TestDeliverRejectsInvalidMessages(t *testing.T) {
	tr := handoff.NewMemoryTransport()
	p := &handoff.Protocol{Transport: tr, Supervisor: "orchestrator"}
	ctx := context.Background()

	msg := newMessage(t)
	msg.Subject = ""
	_, err := p.Deliver(ctx, msg, "op")
	assert.Error(t, err)

	msg = newMessage(t)
	msg.Priority = "whenever"
	_, err = p.Deliver(ctx, msg, "op")
	assert.Error(t, err)

	msg = newMessage(t)
	msg.Type = handoff.Ack
	_, err = p.Deliver(ctx, msg, "op")
	assert.Error(t, err)

	_, err = (&handoff.Protocol{Transport: tr}).Deliver(ctx, newMessage(t), "op")
	assert.ErrorContains(t, err, "supervisor")
	assert.Empty(t, tr.Sent())
}
