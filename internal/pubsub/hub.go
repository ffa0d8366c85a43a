// Package pubsub is the in-process topic fan-out used to deliver ride and
// driver events to connected clients. Topics are plain strings: a rider id,
// a driver id, a ride id, or the shared online-drivers topic.
package pubsub

import (
	"encoding/json"
	"sync"
	"time"
)

// Envelope is the wire shape of every outbound event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Subscriber is one delivery endpoint (typically a websocket connection).
// The transport drains C; the hub never blocks on a slow subscriber.
type Subscriber struct {
	id   string
	send chan []byte
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{id: id, send: make(chan []byte, buffer)}
}

// ID is the subscription handle: unique per connection, recorded on the
// driver registry so disconnects can be traced back.
func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) C() <-chan []byte { return s.send }

// Broker is the fan-out contract the core depends on.
type Broker interface {
	Subscribe(sub *Subscriber, topic string)
	Unsubscribe(sub *Subscriber, topic string)
	// Publish delivers event to every subscriber of topic. Delivery is
	// at-least-once from the subscriber's point of view across reconnects;
	// payloads must therefore be safe to receive twice.
	Publish(topic, event string, payload any) error
	// Send delivers directly to one subscriber, bypassing topics. Used for
	// reconnect replay.
	Send(sub *Subscriber, event string, payload any) error
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]bool
	bySub  map[*Subscriber]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*Subscriber]bool),
		bySub:  make(map[*Subscriber]map[string]bool),
	}
}

func (h *Hub) Subscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Subscriber]bool)
	}
	h.topics[topic][sub] = true
	if h.bySub[sub] == nil {
		h.bySub[sub] = make(map[string]bool)
	}
	h.bySub[sub][topic] = true
}

func (h *Hub) Unsubscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, topic)
}

// Detach removes the subscriber from every topic and closes its channel.
// Call exactly once, when the connection goes away.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.bySub[sub] {
		h.removeLocked(sub, topic)
	}
	delete(h.bySub, sub)
	close(sub.send)
}

func (h *Hub) removeLocked(sub *Subscriber, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if topics, ok := h.bySub[sub]; ok {
		delete(topics, topic)
	}
}

func (h *Hub) Publish(topic, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.send <- msg:
		default:
			// slow subscriber: drop the message, never block a publisher
		}
	}
	return nil
}

func (h *Hub) Send(sub *Subscriber, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case sub.send <- msg:
	default:
	}
	return nil
}

// Subscribers reports the current subscriber count of a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data, At: time.Now().Unix()})
}
