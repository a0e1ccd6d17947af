package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// Topics used by the publisher
const (
	TopicStateChanged = "warden.session.state"
	TopicExpired      = "warden.session.expired"
	TopicLogout       = "warden.logout"
)

// StateChangedEvent is published after every session state change
type StateChangedEvent struct {
	State     string    `json:"state"`
	Confirmed bool      `json:"confirmed"`
	Epoch     uint64    `json:"epoch"`
	Since     time.Time `json:"since"`
}

// ExpiredEvent is published once per processed invalidation
type ExpiredEvent struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// LogoutEvent is published by the reference auth server on logout
type LogoutEvent struct {
	Subject string `json:"subject"`
	TokenID string `json:"token_id"`
}

// WatermillPublisher implements the EventPublisher and LogoutPublisher
// interfaces using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topics    Topics
}

// Topics overrides the default topic names
type Topics struct {
	StateChanged string
	Expired      string
	Logout       string
}

// DefaultTopics returns the default topic names
func DefaultTopics() Topics {
	return Topics{
		StateChanged: TopicStateChanged,
		Expired:      TopicExpired,
		Logout:       TopicLogout,
	}
}

// WithDefaults returns a copy of Topics with empty names replaced by the defaults
func (t Topics) WithDefaults() Topics {
	defaults := DefaultTopics()
	if t.StateChanged == "" {
		t.StateChanged = defaults.StateChanged
	}
	if t.Expired == "" {
		t.Expired = defaults.Expired
	}
	if t.Logout == "" {
		t.Logout = defaults.Logout
	}
	return t
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher, topics Topics) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topics:    topics.WithDefaults(),
	}
}

// PublishStateChanged publishes a session state change
func (p *WatermillPublisher) PublishStateChanged(ctx context.Context, status core.Status) error {
	return p.publish(ctx, p.topics.StateChanged, watermill.NewUUID(), StateChangedEvent{
		State:     status.State.String(),
		Confirmed: status.Confirmed,
		Epoch:     status.Epoch,
		Since:     status.Since,
	})
}

// PublishExpired publishes a processed session expiration
func (p *WatermillPublisher) PublishExpired(ctx context.Context, event core.ExpirationEvent) error {
	return p.publish(ctx, p.topics.Expired, event.ID, ExpiredEvent{
		ID:     event.ID,
		At:     event.At,
		Reason: event.Reason,
	})
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, subject string, tokenID string) error {
	return p.publish(ctx, p.topics.Logout, tokenID, LogoutEvent{
		Subject: subject,
		TokenID: tokenID,
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("content_type", "application/json")

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// DecodeStateChanged decodes a message published on the state topic
func DecodeStateChanged(msg *message.Message) (StateChangedEvent, error) {
	var event StateChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return StateChangedEvent{}, fmt.Errorf("failed to decode state event: %w", err)
	}
	return event, nil
}

// DecodeExpired decodes a message published on the expired topic
func DecodeExpired(msg *message.Message) (ExpiredEvent, error) {
	var event ExpiredEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return ExpiredEvent{}, fmt.Errorf("failed to decode expiration event: %w", err)
	}
	return event, nil
}

var (
	_ ports.EventPublisher  = (*WatermillPublisher)(nil)
	_ ports.LogoutPublisher = (*WatermillPublisher)(nil)
)
