package mq

import (
	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// Message is a published event: a routing key plus an arbitrary payload.
// Payloads of messages arriving over an external bridge are json.RawMessage.
type Message struct {
	Key     RoutingKey
	Payload any
}

// ConsumerFunc handles one delivered message. It runs on the subscription's
// own goroutine; a panic is recovered and logged, and delivery continues.
type ConsumerFunc func(msg Message)

// MessageQueue is the pub/sub contract every component announces state
// changes through. Produce is fire-and-forget. Delivery order per subscriber
// matches publish order, and a slow or panicking consumer never blocks the
// others.
type MessageQueue interface {
	// Produce publishes a message to all subscriptions whose filter matches.
	Produce(key RoutingKey, payload any)

	// StartConsuming registers a consumer for keys matching the filter.
	// Stop the returned subscription to unregister.
	StartConsuming(filter RoutingKey, fn ConsumerFunc) (*Subscription, error)

	// Close shuts the queue down; pending deliveries are dropped.
	Close()
}

// Backend names form a closed set; there is no runtime class lookup.
const (
	BackendSimple = "simple"
	BackendNATS   = "nats"
)

// BridgeConfig configures the NATS-backed queue variant.
type BridgeConfig struct {
	URL           string
	SubjectPrefix string
	// Origin identifies this master so bridged messages are not re-consumed
	// by their publisher.
	Origin string
}

// New constructs the configured queue backend.
func New(backend string, bridge BridgeConfig) (MessageQueue, error) {
	switch backend {
	case "", BackendSimple:
		return NewBus(), nil
	case BackendNATS:
		return NewNATSQueue(bridge)
	default:
		return nil, ferrors.ConfigError("unknown mq backend").
			WithContext("backend", backend).Build()
	}
}
