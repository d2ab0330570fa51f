package mqtt

import (
	"fmt"
)

// Subscribe registers a handler for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "result/+" matches results from any device
//   - # (multi-level): "status/#" matches the whole status subtree
//
// Multiple handlers may be registered for the same topic; the broker-level
// subscription is issued once and incoming messages are fanned out to the
// handlers in registration order.
//
// Subscribing while disconnected is allowed: the topic is staged and the
// broker-level subscribe is issued when the connection opens. All
// subscriptions are automatically restored after a reconnect.
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//   - handler: Callback function invoked for each message
//
// Returns:
//   - *Subscription: Handle used to release this handler
//   - error: nil on success, or wrapped error describing the failure
//
// Example:
//
//	sub, err := client.Subscribe(mqtt.Topics{}.AllStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//	defer sub.Unsubscribe()
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) (*Subscription, error) {
	// Validate inputs
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	return c.registry.subscribe(topic, qos, handler)
}

// UnsubscribeAll removes every handler for a topic and releases the
// broker-level subscription.
//
// Any messages in flight may still be delivered.
//
// Parameters:
//   - topic: The exact topic pattern that was subscribed to
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) UnsubscribeAll(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return c.registry.removeAll(topic)
}

// SubscriptionCount returns the number of tracked topic filters.
//
// This can be useful for monitoring and debugging.
func (c *Client) SubscriptionCount() int {
	return c.registry.count()
}

// HasSubscription checks if a subscription exists for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	return c.registry.has(topic)
}
