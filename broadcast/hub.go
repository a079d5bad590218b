// Package broadcast pushes certificate status transitions to live subscribers.
package broadcast

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"certchain/certificate"
)

// SubscriberBuffer is the per-subscriber queue depth. Events that do not fit
// are dropped for that subscriber.
const SubscriberBuffer = 8

// Event is a status transition for one certificate.
type Event struct {
	ID            string             `json:"id"`
	CertificateID string             `json:"certificateId"`
	Status        certificate.Status `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Observer receives hub activity.
type Observer interface {
	SetLiveSubscribers(n int)
	ObserveBroadcast(delivered, dropped int)
}

type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// deliver never blocks; a full queue drops the event.
func (s *subscriber) deliver(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Hub fans out events to subscribers keyed by certificate id. There is no
// backlog: subscribers only see events published after they subscribed.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[uint64]*subscriber
	nextID   uint64
	count    int
	closed   bool
	observer Observer
	now      func() time.Time
}

// NewHub constructs an empty hub. observer may be nil.
func NewHub(observer Observer) *Hub {
	return &Hub{
		topics:   make(map[string]map[uint64]*subscriber),
		observer: observer,
		now:      time.Now,
	}
}

// Subscription is a live feed for one certificate.
type Subscription struct {
	C <-chan Event

	hub   *Hub
	topic string
	id    uint64
	once  sync.Once
}

// Cancel stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}

func topicKey(certificateID string) string {
	return certificate.NormalizeFingerprint(certificateID)
}

// Subscribe registers interest in one certificate.
func (h *Hub) Subscribe(certificateID string) *Subscription {
	topic := topicKey(certificateID)
	sub := &subscriber{ch: make(chan Event, SubscriberBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return &Subscription{C: sub.ch, hub: h, topic: topic}
	}
	h.nextID++
	id := h.nextID
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscriber)
		h.topics[topic] = subs
	}
	subs[id] = sub
	h.count++
	count := h.count
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.SetLiveSubscribers(count)
	}
	return &Subscription{C: sub.ch, hub: h, topic: topic, id: id}
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	subs := h.topics[topic]
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
		h.count--
	}
	count := h.count
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	if h.observer != nil {
		h.observer.SetLiveSubscribers(count)
	}
}

// Publish sends a transition to current subscribers of the certificate and
// returns how many received it. It never blocks.
func (h *Hub) Publish(certificateID string, status certificate.Status) int {
	topic := topicKey(certificateID)
	evt := Event{
		ID:            uuid.NewString(),
		CertificateID: topic,
		Status:        status,
		Timestamp:     h.now().UTC(),
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.topics[topic]))
	for _, sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.deliver(evt) {
			delivered++
		}
	}
	if h.observer != nil {
		h.observer.ObserveBroadcast(delivered, len(subs)-delivered)
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for a certificate.
func (h *Hub) Subscribers(certificateID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topicKey(certificateID)])
}

// Close terminates every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*subscriber
	for _, subs := range h.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.topics = make(map[string]map[uint64]*subscriber)
	h.count = 0
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
	if h.observer != nil {
		h.observer.SetLiveSubscribers(0)
	}
}

// validTopic reports whether id can name a certificate topic.
func validTopic(id string) bool {
	return certificate.IsFingerprint(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
}
