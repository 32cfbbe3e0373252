package control

import (
	"context"
	"sync"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"
)

// ConnectionStatus indicates the status of the connection with the message broker.
type ConnectionStatus string

// MessageHandler is invoked for each message delivered on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Subscription is an active subscription to a topic.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a generic API for an arbitrary publish/subscribe broker, such as an MQTT broker or Redis.
//
// Topics are "/"-separated. A subscription topic may contain "+" levels, each matching a single level.
type Transport interface {
	Connect(ctx context.Context) error

	Close() error

	// Publish delivers the payload to the broker, or returns an error wrapping types.ErrDisconnected
	// if the broker cannot currently be reached.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe invokes handler for every message subsequently published on a matching topic. Messages of a single
	// topic are delivered to the handler in publish order.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// ConnectionStatus returns the current ConnectionStatus of the Transport.
	ConnectionStatus() ConnectionStatus

	// OnStatusChange registers a handler that is invoked whenever the ConnectionStatus changes.
	OnStatusChange(handler func(status ConnectionStatus))
}

// baseTransport tracks the connection status shared by every Transport.
type baseTransport struct {
	mu       sync.Mutex
	status   ConnectionStatus
	handlers []func(status ConnectionStatus)
}

func newBaseTransport() *baseTransport {
	return &baseTransport{status: Disconnected}
}

// ConnectionStatus returns the current ConnectionStatus of the Transport.
func (t *baseTransport) ConnectionStatus() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *baseTransport) OnStatusChange(handler func(status ConnectionStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers = append(t.handlers, handler)
}

// setStatus records the new status and notifies the handlers if it changed.
func (t *baseTransport) setStatus(status ConnectionStatus) {
	t.mu.Lock()
	if t.status == status {
		t.mu.Unlock()
		return
	}

	t.status = status
	handlers := t.handlers
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(status)
	}
}
