package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies a class of events flowing through the hub.
type Topic string

const (
	TopicStrategyStatus   Topic = "strategy_status"
	TopicTrade            Topic = "trade"
	TopicPosition         Topic = "position"
	TopicAccount          Topic = "account"
	TopicBacktestProgress Topic = "backtest_progress"
	TopicError            Topic = "error"
)

// Event is a single notification published by the supervisor, the engines,
// the backtest runner or the account daemon.
type Event struct {
	Topic      Topic       `json:"topic"`
	StrategyID int64       `json:"strategy_id,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel capacity. When a consumer
// falls this far behind, further events for it are dropped and counted
// rather than blocking publishers.
const subscriberBuffer = 256

// Subscription is one registered consumer. Events arrive on C() in
// publication order per topic. Dropped() reports how many events were
// discarded because the consumer was not keeping up.
type Subscription struct {
	ch      chan Event
	topics  map[Topic]bool // nil means every topic
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed on Unsubscribe and on hub
// shutdown.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	return s.topics[t]
}

// Hub fans events out to subscribers. A single goroutine (Run) owns the
// subscriber set, so events are delivered in the order they were published.
type Hub struct {
	subscribers map[*Subscription]bool

	publish    chan Event
	register   chan *Subscription
	unregister chan *Subscription

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscription]bool),
		publish:     make(chan Event, subscriberBuffer),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		done:        make(chan struct{}),
	}
}

// Run services the hub until Close is called. Start it in its own goroutine
// before publishing.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub] = true
			log.Printf("[events] Subscriber added (%d active)", len(h.subscribers))

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.ch)
			}
			log.Printf("[events] Subscriber removed (%d active)", len(h.subscribers))

		case evt := <-h.publish:
			for sub := range h.subscribers {
				if !sub.wants(evt.Topic) {
					continue
				}
				select {
				case sub.ch <- evt:
				default:
					sub.dropped.Add(1)
				}
			}

		case <-h.done:
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.ch)
			}
			return
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Subscribe registers a consumer for the given topics. With no topics it
// receives everything.
func (h *Hub) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberBuffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
	}
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish sends an event to every matching subscriber. It never blocks on a
// slow consumer; a full subscriber buffer drops the event for that consumer
// only.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	select {
	case h.publish <- evt:
	case <-h.done:
	}
}
