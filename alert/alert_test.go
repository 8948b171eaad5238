package alert

import (
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
)

type captureChannel struct {
	mu       sync.Mutex
	sent     []message
	failWith error
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.sent = append(c.sent, message{subject: subject, body: body})
	return nil
}

func (c *captureChannel) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func newTestDispatcher(t *testing.T, ch Channel, queueSize int) *Dispatcher {
	t.Helper()
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher([]Channel{ch}, nil, clock, nil, queueSize)
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherDeliversToChannel(t *testing.T) {
	ch := &captureChannel{}
	d := newTestDispatcher(t, ch, 10)

	d.SendAlert("disk filling up", "data volume at 91%")
	d.Close()

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "disk filling up", msgs[0].subject)
	assert.Equal(t, "data volume at 91%", msgs[0].body)
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	ch := &captureChannel{}
	d := newTestDispatcher(t, ch, 10)

	for i := 0; i < 5; i++ {
		d.SendAlert("subject", "body")
	}
	d.Close()
	assert.Len(t, ch.messages(), 5)

	// A second Close is a no-op.
	d.Close()
}

type blockingChannel struct {
	captureChannel
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingChannel) Send(subject, body string) error {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.captureChannel.Send(subject, body)
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	ch := &blockingChannel{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := NewDispatcher([]Channel{ch}, nil, nil, nil, 1)

	// The worker takes the first alert and blocks inside Send, leaving the
	// queue empty.
	d.SendAlert("first", "body")
	<-ch.started

	d.SendAlert("second", "body")
	d.SendAlert("third", "body")

	close(ch.release)
	d.Close()

	msgs := ch.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].subject)
	assert.Equal(t, "second", msgs[1].subject)
}

func TestDispatcherChannelFailureDoesNotPropagate(t *testing.T) {
	ch := &captureChannel{failWith: errors.New("smtp refused")}
	d := newTestDispatcher(t, ch, 10)

	d.SendAlert("subject", "body")
	d.Close()
	assert.Empty(t, ch.messages())
}

func TestTransactionAlertFormat(t *testing.T) {
	ch := &captureChannel{}
	d := newTestDispatcher(t, ch, 10)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	txn := &core.Transaction{
		ID:           uuid.New(),
		OriginSystem: "payments-api",
		Status:       core.StatusTimeout,
		AttemptCount: 3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	history := []*core.TransactionHistory{{
		PreviousStatus: core.StatusPending,
		NewStatus:      core.StatusTimeout,
		ChangedAt:      now,
		Reason:         "Transaction timed out in PENDING state",
	}}
	d.SendTransactionAlert(txn, []string{"long_pending", "excessive_retries"}, history)
	d.Close()

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].subject, txn.ID.String())
	assert.Contains(t, msgs[0].subject, "TIMEOUT")
	assert.Contains(t, msgs[0].body, "payments-api")
	assert.Contains(t, msgs[0].body, "long_pending")
	assert.Contains(t, msgs[0].body, "PENDING -> TIMEOUT")
}

func TestSystemHealthAlertFormat(t *testing.T) {
	ch := &captureChannel{}
	d := newTestDispatcher(t, ch, 10)

	d.SendSystemHealthAlert(
		map[string]interface{}{"transactions_total": int64(42)},
		map[string]int{"long_pending": 2},
	)
	d.Close()

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "System health alert", msgs[0].subject)
	assert.Contains(t, msgs[0].body, "transactions_total")
	assert.Contains(t, msgs[0].body, "long_pending")
}

func TestCriticalErrorAlertFormat(t *testing.T) {
	ch := &captureChannel{}
	d := newTestDispatcher(t, ch, 10)

	d.SendCriticalErrorAlert(errors.New("panic in job cleanup"), map[string]interface{}{"job": "cleanup"})
	d.Close()

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].subject, "CRITICAL")
	assert.Contains(t, msgs[0].body, "panic in job cleanup")
	assert.Contains(t, msgs[0].body, "cleanup")
}

func TestSMTPChannelBuildsMessage(t *testing.T) {
	ch := NewSMTPChannel("mail.example.com", 587, "alerts@example.com",
		[]string{"ops@example.com"}, "alerts", "secret")

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	require.NoError(t, ch.Send("Test subject", "Test body"))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "alerts@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Test subject\r\n")
	assert.Contains(t, string(gotMsg), "\r\n\r\nTest body")
}

func TestSMTPChannelSkipsWithoutRecipients(t *testing.T) {
	ch := NewSMTPChannel("mail.example.com", 587, "alerts@example.com", nil, "", "")
	called := false
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}
	require.NoError(t, ch.Send("subject", "body"))
	assert.False(t, called)
}

func TestSMTPChannelWrapsSendError(t *testing.T) {
	ch := NewSMTPChannel("mail.example.com", 587, "alerts@example.com",
		[]string{"ops@example.com"}, "", "")
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Nil(t, a)
		return errors.New("connection refused")
	}
	err := ch.Send("subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail.example.com:587")
}
