package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usermgmt/server/config"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// EventType names a record mutation.
type EventType string

const (
	UserCreated EventType = "user.created"
	UserUpdated EventType = "user.updated"
	UserDeleted EventType = "user.deleted"

	attrEventType = "event_type"
)

// UserEvent is published after every successful record mutation.
type UserEvent struct {
	Type   EventType `json:"type"`
	UserID string    `json:"userId"`
	Email  string    `json:"email,omitempty"`
	At     time.Time `json:"at"`
}

// MQ binds a backend to the configured events channel.
type MQ struct {
	backend Backend
	channel string
}

// New constructs an MQ publishing to channel.
func New(backend Backend, channel string) *MQ {
	return &MQ{backend: backend, channel: channel}
}

// Open builds the backend selected by cfg.Backend. It returns nil, nil when
// events are disabled.
func Open(ctx context.Context, cfg config.EventsConfig) (*MQ, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "":
		return nil, nil
	case "rabbitmq":
		backend, err = NewRabbitMQClient(cfg.RabbitMQ)
	case "pubsub":
		backend, err = NewPubSubClient(ctx, cfg.PubSub)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, cfg.Channel), nil
}

// PublishUserEvent encodes evt as JSON and sends it to the events channel.
func (m *MQ) PublishUserEvent(ctx context.Context, evt UserEvent) (string, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return m.backend.Publish(ctx, m.channel, data, map[string]string{attrEventType: string(evt.Type)})
}

// SubscribeUserEvents consumes the events channel until ctx is done.
// Messages that do not decode are dropped.
func (m *MQ) SubscribeUserEvents(ctx context.Context, fn func(ctx context.Context, evt UserEvent) error) error {
	return m.backend.Subscribe(ctx, m.channel, func(ctx context.Context, msg Message) error {
		var evt UserEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return nil
		}
		return fn(ctx, evt)
	})
}

// Channel returns the configured channel name.
func (m *MQ) Channel() string {
	return m.channel
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
