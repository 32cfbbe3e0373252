package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/bashirmohd/bigdataexpress-C/common/queue"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

type message struct {
	topic   string
	payload []byte
}

// memorySubscription delivers messages to its handler from a dedicated goroutine, in publish order.
type memorySubscription struct {
	transport *MemoryTransport
	pattern   string
	handler   MessageHandler

	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Fifo[message]
	closed  bool
}

func (s *memorySubscription) deliver(msg message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.pending.Enqueue(msg)
	s.cond.Signal()
}

func (s *memorySubscription) run() {
	for {
		s.mu.Lock()
		for s.pending.Len() == 0 && !s.closed {
			s.cond.Wait()
		}

		if s.closed {
			s.mu.Unlock()
			return
		}

		msg, _ := s.pending.Dequeue()
		s.mu.Unlock()

		s.handler(msg.topic, msg.payload)
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.transport.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()

	return nil
}

// MemoryTransport is an in-process Transport. It is used when no broker is configured, and in tests, where
// SetConnected simulates the loss and recovery of the broker connection.
type MemoryTransport struct {
	*baseTransport

	subsMu        sync.RWMutex
	subscriptions []*memorySubscription
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		baseTransport: newBaseTransport(),
	}
}

func (t *MemoryTransport) Connect(_ context.Context) error {
	t.setStatus(Connected)
	return nil
}

// SetConnected changes the connection status of the transport.
func (t *MemoryTransport) SetConnected(connected bool) {
	if connected {
		t.setStatus(Connected)
	} else {
		t.setStatus(Disconnected)
	}
}

func (t *MemoryTransport) Close() error {
	t.subsMu.Lock()
	subscriptions := t.subscriptions
	t.subscriptions = nil
	t.subsMu.Unlock()

	for _, sub := range subscriptions {
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}

	t.setStatus(Disconnected)
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if t.ConnectionStatus() != Connected {
		return fmt.Errorf("%w: cannot publish to %s", types.ErrDisconnected, topic)
	}

	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for _, sub := range t.subscriptions {
		if Matches(sub.pattern, topic) {
			sub.deliver(message{topic: topic, payload: payload})
		}
	}

	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) (Subscription, error) {
	sub := &memorySubscription{
		transport: t,
		pattern:   topic,
		handler:   handler,
		pending:   queue.NewFifo[message](16),
	}
	sub.cond = sync.NewCond(&sub.mu)

	t.subsMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subsMu.Unlock()

	go sub.run()

	return sub, nil
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	for i, s := range t.subscriptions {
		if s == sub {
			t.subscriptions = append(t.subscriptions[:i], t.subscriptions[i+1:]...)
			return
		}
	}
}
