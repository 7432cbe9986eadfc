package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marking-backend/internal/events"
)

type fakeChannel struct {
	mu        sync.Mutex
	declared  string
	published []amqp.Publishing
	keys      []string
	failWith  error
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = name + ":" + kind
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

const hash = "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12"

func completed(seq uint64) events.Event {
	return events.Event{
		Sequence:  seq,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload: events.AnalysisCompleted{
			DocumentID:   "d1",
			IdentityHash: hash,
			AnalysisID:   "a1",
			RequestID:    "r1",
		},
	}
}

func TestFromEventOmitsIdentity(t *testing.T) {
	n, ok := FromEvent(completed(7))
	require.True(t, ok)
	assert.Equal(t, uint64(7), n.Sequence)
	assert.Equal(t, "d1", n.DocumentID)
	assert.Equal(t, "a1", n.AnalysisID)
	assert.Equal(t, "Analyzed", n.Status)

	body, err := Encode(n)
	require.NoError(t, err)
	assert.NotContains(t, string(body), hash)

	back, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, n, back)
}

func TestFromEventSkipsIdentityOnlyFacts(t *testing.T) {
	_, ok := FromEvent(events.Event{Sequence: 1, Payload: events.IdentityAnonymized{IdentityHash: hash}})
	assert.False(t, ok)
}

func TestAMQPPublisherRoutesByKind(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "marking", "documents")
	require.NoError(t, err)
	assert.Equal(t, "marking:topic", ch.declared)

	n, _ := FromEvent(completed(3))
	require.NoError(t, p.Publish(context.Background(), n))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "documents.AnalysisCompleted", ch.keys[0])
	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "3", msg.MessageId)
	assert.True(t, strings.Contains(string(msg.Body), `"documentId":"d1"`))

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestRelayPublishesInOrder(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "marking", "documents")
	require.NoError(t, err)

	r := NewRelay(p, 8)
	for seq := uint64(1); seq <= 3; seq++ {
		r.Handle(completed(seq))
	}
	r.Handle(events.Event{Sequence: 4, Payload: events.IdentityAnonymized{IdentityHash: hash}})
	require.NoError(t, r.Close())

	require.Equal(t, 3, ch.count())
	for i, msg := range ch.published {
		n, err := Decode(msg.Body)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), n.Sequence)
	}
}

func TestRelaySurvivesPublishFailure(t *testing.T) {
	ch := &fakeChannel{failWith: errors.New("channel closed")}
	p, err := newAMQPPublisher(ch, "marking", "documents")
	require.NoError(t, err)

	r := NewRelay(p, 1)
	r.Handle(completed(1))
	r.Handle(completed(2))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 0, ch.count())
}
