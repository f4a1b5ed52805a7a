// Package hub keeps the live notification channels of every mailbox and fans
// delta events out to them.
package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/metrics"
)

var (
	ErrQueueFull   = errors.New("channel queue full")
	ErrQueueClosed = errors.New("channel closed")
)

// Channel is one subscriber connection. Send must not block; an error
// removes the channel from the mailbox being published.
type Channel interface {
	ID() string
	Send(mailbox.Event) error
}

// Observer is told when a mailbox gains its first subscriber or loses its
// last one.
type Observer interface {
	SubscribersChanged(id mailbox.Identity, n int)
}

type Hub struct {
	topics   sync.Map // mailbox.Identity -> *topic
	logger   *slog.Logger
	metrics  *metrics.HubMetrics
	observer Observer
}

type topic struct {
	mu   sync.Mutex
	dead bool
	subs map[string]Channel
}

func New(logger *slog.Logger, m *metrics.HubMetrics) *Hub {
	return &Hub{logger: logger, metrics: m}
}

// SetObserver must be called before the first Subscribe.
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

func (h *Hub) lock(id mailbox.Identity) *topic {
	for {
		v, _ := h.topics.LoadOrStore(id, &topic{subs: map[string]Channel{}})
		t := v.(*topic)
		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// Subscribe registers ch for id and returns a func that unsubscribes it.
func (h *Hub) Subscribe(id mailbox.Identity, ch Channel) func() {
	t := h.lock(id)
	if _, ok := t.subs[ch.ID()]; !ok {
		t.subs[ch.ID()] = ch
		h.metrics.Subscriptions.Add(1)
		if len(t.subs) == 1 {
			h.notify(id, 1)
		}
	}
	t.mu.Unlock()
	h.logger.Debug("channel subscribed", "mailbox", id.Short(), "channel", ch.ID())
	return func() { h.Unsubscribe(id, ch) }
}

// Unsubscribe removes ch from id. It is safe to call more than once.
func (h *Hub) Unsubscribe(id mailbox.Identity, ch Channel) {
	v, ok := h.topics.Load(id)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	if _, ok := t.subs[ch.ID()]; ok {
		delete(t.subs, ch.ID())
		h.metrics.Subscriptions.Add(-1)
		h.retireIfEmpty(id, t)
	}
}

// retireIfEmpty drops an empty topic. Called with t.mu held.
func (h *Hub) retireIfEmpty(id mailbox.Identity, t *topic) {
	if len(t.subs) > 0 {
		return
	}
	t.dead = true
	h.topics.Delete(id)
	h.notify(id, 0)
}

func (h *Hub) notify(id mailbox.Identity, n int) {
	if h.observer != nil {
		h.observer.SubscribersChanged(id, n)
	}
}

// Count returns the number of channels subscribed to id.
func (h *Hub) Count(id mailbox.Identity) int {
	v, ok := h.topics.Load(id)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return 0
	}
	return len(t.subs)
}

// Publish delivers events, in order, to every channel subscribed to each
// event's mailbox. A channel whose Send fails is removed and closed; the
// remaining channels still receive the event.
func (h *Hub) Publish(events ...mailbox.Event) {
	for len(events) > 0 {
		id := events[0].Mailbox
		n := 1
		for n < len(events) && events[n].Mailbox == id {
			n++
		}
		h.publish(id, events[:n])
		events = events[n:]
	}
}

func (h *Hub) publish(id mailbox.Identity, events []mailbox.Event) {
	v, ok := h.topics.Load(id)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}

	var failed []Channel
	for _, ch := range t.subs {
		for _, event := range events {
			if err := ch.Send(event); err != nil {
				h.logger.Warn("drop channel", "mailbox", id.Short(), "channel", ch.ID(), "error", err)
				h.metrics.Deliveries.With("result", "failed").Add(1)
				failed = append(failed, ch)
				break
			}
			h.metrics.Deliveries.With("result", "ok").Add(1)
		}
	}
	if len(failed) == 0 {
		return
	}
	for _, ch := range failed {
		delete(t.subs, ch.ID())
		h.metrics.Subscriptions.Add(-1)
		if c, ok := ch.(io.Closer); ok {
			_ = c.Close()
		}
	}
	h.retireIfEmpty(id, t)
}

// QueueChannel is a Channel backed by a bounded buffer, drained by the
// connection that owns it.
type QueueChannel struct {
	id     string
	mu     sync.Mutex
	closed bool
	queue  chan mailbox.Event
}

func NewQueue(size int) *QueueChannel {
	if size <= 0 {
		size = 1
	}
	return &QueueChannel{id: uuid.NewString(), queue: make(chan mailbox.Event, size)}
}

func (q *QueueChannel) ID() string {
	return q.id
}

func (q *QueueChannel) Send(e mailbox.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events is closed once the channel is closed.
func (q *QueueChannel) Events() <-chan mailbox.Event {
	return q.queue
}

func (q *QueueChannel) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	return nil
}
