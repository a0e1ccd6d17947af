package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/core"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, NewLogrAdapter(logr.Discard()))
	t.Cleanup(func() { _ = pubSub.Close() })
	return pubSub
}

func next(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishStateChanged(t *testing.T) {
	ctx := context.Background()
	pubSub := newPubSub(t)
	messages, err := pubSub.Subscribe(ctx, TopicStateChanged)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub, Topics{})
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, pub.PublishStateChanged(ctx, core.Status{
		State:     core.StateAuthenticated,
		Confirmed: true,
		Epoch:     3,
		Since:     since,
	}))

	msg := next(t, messages)
	assert.Equal(t, "application/json", msg.Metadata.Get("content_type"))

	event, err := DecodeStateChanged(msg)
	require.NoError(t, err)
	assert.Equal(t, "authenticated", event.State)
	assert.True(t, event.Confirmed)
	assert.Equal(t, uint64(3), event.Epoch)
	assert.True(t, since.Equal(event.Since))
}

func TestPublishExpired(t *testing.T) {
	ctx := context.Background()
	pubSub := newPubSub(t)
	messages, err := pubSub.Subscribe(ctx, "custom.expired")
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub, Topics{Expired: "custom.expired"})
	require.NoError(t, pub.PublishExpired(ctx, core.ExpirationEvent{ID: "exp-1", At: time.Now(), Reason: "renewal_rejected"}))

	msg := next(t, messages)
	assert.Equal(t, "exp-1", msg.UUID)

	event, err := DecodeExpired(msg)
	require.NoError(t, err)
	assert.Equal(t, "exp-1", event.ID)
	assert.Equal(t, "renewal_rejected", event.Reason)
}

func TestPublishLogout(t *testing.T) {
	ctx := context.Background()
	pubSub := newPubSub(t)
	messages, err := pubSub.Subscribe(ctx, TopicLogout)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub, Topics{})
	require.NoError(t, pub.PublishLogout(ctx, "alice", "grant-1"))

	msg := next(t, messages)
	assert.Contains(t, string(msg.Payload), `"subject":"alice"`)
	assert.Contains(t, string(msg.Payload), `"token_id":"grant-1"`)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                               { return nil }

func TestPublishError(t *testing.T) {
	pub := NewWatermillPublisher(failingPublisher{}, Topics{})
	err := pub.PublishExpired(context.Background(), core.ExpirationEvent{ID: "exp-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestLogrAdapter(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	log := funcr.New(func(prefix, args string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 1})

	adapter := NewLogrAdapter(log).With(watermill.LogFields{"topic": "t"})
	adapter.Info("info message", watermill.LogFields{"n": 1})
	adapter.Debug("debug message", nil)
	adapter.Trace("trace message", nil)
	adapter.Error("error message", errors.New("boom"), nil)

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "info message")
	assert.Contains(t, joined, `"topic"="t"`)
	assert.Contains(t, joined, "debug message")
	assert.NotContains(t, joined, "trace message")
	assert.Contains(t, joined, "boom")
}
