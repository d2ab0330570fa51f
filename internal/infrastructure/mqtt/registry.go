package mqtt

import (
	"fmt"
	"sync"
)

// brokerLink is the broker-facing surface the registry drives. It is
// implemented by Client; tests substitute a fake to exercise the registry
// without a broker.
type brokerLink interface {
	brokerSubscribe(filter string, qos byte, cb func(topic string, payload []byte)) error
	brokerUnsubscribe(filter string) error
	IsConnected() bool
	getLogger() Logger
}

// registry maps topic filters to local handlers and de-duplicates
// broker-level subscriptions: a filter has at most one broker subscription
// regardless of how many local handlers registered interest.
//
// Entries persist across reconnects. replay re-issues every tracked filter
// after the link reports a new session, recovering state purely from local
// memory.
type registry struct {
	link brokerLink

	mu     sync.Mutex
	topics map[string]*topicEntry
	nextID uint64
}

// topicEntry tracks the local handlers and broker subscription state for
// one topic filter.
type topicEntry struct {
	filter string
	qos    byte

	// active reports whether a broker-level subscription currently exists.
	// Staged entries (subscribed while disconnected) have active=false and
	// are issued on the next (re)connect.
	active bool

	// handlers in registration order; dispatch preserves this order.
	handlers []*Subscription
}

// Subscription is a handle for one registered handler. Dropping the handler
// is done through the handle so that multiple handlers on the same filter
// can be removed independently.
type Subscription struct {
	reg     *registry
	id      uint64
	filter  string
	handler MessageHandler
}

// Topic returns the topic filter this subscription was registered under.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.filter
}

// Unsubscribe removes this handler from its topic. Removing the last
// handler for a filter releases the broker-level subscription as well.
//
// Unsubscribe is idempotent; releasing an already-released handle is a
// no-op.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.reg == nil {
		return nil
	}
	reg := s.reg
	s.reg = nil
	return reg.remove(s)
}

func newRegistry(link brokerLink) *registry {
	return &registry{
		link:   link,
		topics: make(map[string]*topicEntry),
	}
}

// subscribe registers a handler under a filter and issues the broker-level
// subscribe when this is the filter's first handler and the link is up.
// When disconnected the entry is staged and issued by replay on connect.
func (r *registry) subscribe(filter string, qos byte, handler MessageHandler) (*Subscription, error) {
	r.mu.Lock()
	entry, exists := r.topics[filter]
	if !exists {
		entry = &topicEntry{filter: filter, qos: qos}
		r.topics[filter] = entry
	}

	r.nextID++
	sub := &Subscription{
		reg:     r,
		id:      r.nextID,
		filter:  filter,
		handler: handler,
	}
	entry.handlers = append(entry.handlers, sub)

	needBrokerSub := !entry.active && r.link.IsConnected()
	r.mu.Unlock()

	if !needBrokerSub {
		return sub, nil
	}

	// Issue the broker-level subscribe outside the lock; dispatch for this
	// filter routes through the entry so later handlers join for free.
	if err := r.link.brokerSubscribe(filter, qos, r.dispatcher(filter)); err != nil {
		r.mu.Lock()
		if entry := r.removeLocked(sub); entry != nil && len(entry.handlers) == 0 {
			delete(r.topics, filter)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	if entry, ok := r.topics[filter]; ok {
		entry.active = true
	}
	r.mu.Unlock()

	return sub, nil
}

// dispatcher returns the broker callback for a filter: it fans incoming
// messages out to the filter's handlers in registration order.
func (r *registry) dispatcher(filter string) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		r.mu.Lock()
		entry, ok := r.topics[filter]
		var handlers []*Subscription
		if ok {
			handlers = make([]*Subscription, len(entry.handlers))
			copy(handlers, entry.handlers)
		}
		r.mu.Unlock()

		for _, sub := range handlers {
			r.invoke(sub, topic, payload)
		}
	}
}

// invoke calls one handler with panic recovery and error logging. A failing
// handler never disturbs the dispatch loop or its neighbours.
func (r *registry) invoke(sub *Subscription, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			if logger := r.link.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", topic,
					"panic", rec,
				)
			}
		}
	}()

	if err := sub.handler(topic, payload); err != nil {
		if logger := r.link.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error",
				"topic", topic,
				"error", err,
			)
		}
	}
}

// remove drops a handler; the last handler for a filter also releases the
// broker-level subscription.
func (r *registry) remove(sub *Subscription) error {
	r.mu.Lock()
	entry := r.removeLocked(sub)
	needBrokerUnsub := entry != nil && entry.active && len(entry.handlers) == 0
	if entry != nil && len(entry.handlers) == 0 {
		delete(r.topics, sub.filter)
	}
	connected := r.link.IsConnected()
	r.mu.Unlock()

	if needBrokerUnsub && connected {
		if err := r.link.brokerUnsubscribe(sub.filter); err != nil {
			return fmt.Errorf("releasing %q: %w", sub.filter, err)
		}
	}
	return nil
}

// removeLocked removes sub from its entry and returns the entry, or nil if
// the subscription is no longer tracked. Caller holds r.mu.
func (r *registry) removeLocked(sub *Subscription) *topicEntry {
	entry, ok := r.topics[sub.filter]
	if !ok {
		return nil
	}
	for i, h := range entry.handlers {
		if h.id == sub.id {
			entry.handlers = append(entry.handlers[:i], entry.handlers[i+1:]...)
			return entry
		}
	}
	return entry
}

// removeAll clears every handler for a filter and releases the broker-level
// subscription if one exists.
func (r *registry) removeAll(filter string) error {
	r.mu.Lock()
	entry, ok := r.topics[filter]
	var active bool
	if ok {
		active = entry.active
		delete(r.topics, filter)
	}
	connected := r.link.IsConnected()
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if active && connected {
		return r.link.brokerUnsubscribe(filter)
	}
	return nil
}

// replay re-issues broker-level subscribes for every filter with at least
// one registered handler. Called on every (re)connect; each filter is
// re-issued exactly once per replay.
func (r *registry) replay() {
	r.mu.Lock()
	type pending struct {
		filter string
		qos    byte
	}
	filters := make([]pending, 0, len(r.topics))
	for _, entry := range r.topics {
		filters = append(filters, pending{filter: entry.filter, qos: entry.qos})
	}
	r.mu.Unlock()

	for _, p := range filters {
		err := r.link.brokerSubscribe(p.filter, p.qos, r.dispatcher(p.filter))

		r.mu.Lock()
		if entry, ok := r.topics[p.filter]; ok {
			entry.active = err == nil
		}
		r.mu.Unlock()

		if err != nil {
			if logger := r.link.getLogger(); logger != nil {
				logger.Warn("subscription replay failed",
					"topic", p.filter,
					"error", err,
				)
			}
		}
	}
}

// count returns the number of tracked topic filters.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// has reports whether a filter is tracked (exact match, no pattern logic).
func (r *registry) has(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[filter]
	return ok
}
