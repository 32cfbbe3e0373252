package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/bashirmohd/bigdataexpress-C/common/queue"
	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// DefaultRetryInterval is how long the Channel waits before retrying a publish that failed because the
	// broker could not be reached.
	DefaultRetryInterval = time.Second
)

var (
	ErrChannelClosed = errors.New("control channel is closed")
)

// DeliveryCallback reports the outcome of a publish. err is nil once the broker has accepted the event.
type DeliveryCallback func(event *Event, err error)

// EventHandler is invoked for each event delivered on a subscribed topic.
type EventHandler func(event *Event)

type outbound struct {
	topic    string
	event    *Event
	payload  []byte
	callback DeliveryCallback
}

// Channel exchanges Events with the transfer agents over a Transport.
//
// Publish never blocks on the broker: events are queued and published, in order, by a single worker.
// While the Transport is disconnected the queue is held, and it is flushed once the Transport reconnects.
type Channel struct {
	log logger.Logger

	transport     Transport
	retryInterval time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	outbound *queue.Fifo[*outbound]
	closed   bool
	done     chan struct{}

	handlersMu     sync.RWMutex
	statusHandlers []func(status ConnectionStatus)
}

// NewChannel creates a new Channel over the given Transport and returns a pointer to it.
func NewChannel(transport Transport) *Channel {
	channel := &Channel{
		transport:     transport,
		retryInterval: DefaultRetryInterval,
		outbound:      queue.NewFifo[*outbound](64),
	}
	channel.cond = sync.NewCond(&channel.mu)

	config.InitLogger(&channel.log, channel)

	transport.OnStatusChange(channel.onStatusChange)

	return channel
}

// SetRetryInterval changes the interval between attempts to publish while the broker is unreachable.
func (c *Channel) SetRetryInterval(interval time.Duration) {
	c.retryInterval = interval
}

// Start connects the Transport and starts the publishing worker.
//
// A failure to connect is not fatal: events are held until the Transport (re)connects.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}

	if c.done != nil {
		c.mu.Unlock()
		return nil
	}

	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		c.log.Warn("Failed to connect to the message broker: %v. Events will be held until it is reachable.", err)
	}

	context.AfterFunc(ctx, c.wake)

	go c.drain(ctx)

	return nil
}

// Publish queues the event for publication on the topic. callback may be nil.
func (c *Channel) Publish(topic string, event *Event, callback DeliveryCallback) error {
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event.String(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	c.outbound.Enqueue(&outbound{topic: topic, event: event, payload: payload, callback: callback})
	c.cond.Signal()

	return nil
}

// Subscribe decodes the messages published on the topic and passes them to the handler. Malformed messages
// are logged and dropped.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	return c.transport.Subscribe(ctx, topic, func(topic string, payload []byte) {
		event, err := DecodeEvent(payload)
		if err != nil {
			c.log.Warn("Dropping message received on %s: %v", topic, err)
			return
		}

		handler(event)
	})
}

// Status returns the ConnectionStatus of the underlying Transport.
func (c *Channel) Status() ConnectionStatus {
	return c.transport.ConnectionStatus()
}

// Connected returns true if the underlying Transport is connected.
func (c *Channel) Connected() bool {
	return c.Status() == Connected
}

// OnStatusChange registers a handler that is invoked whenever the ConnectionStatus changes.
func (c *Channel) OnStatusChange(handler func(status ConnectionStatus)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.statusHandlers = append(c.statusHandlers, handler)
}

// Pending returns the number of events waiting to be published.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outbound.Len()
}

// Close stops the publishing worker and closes the Transport. Events still queued are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	done := c.done
	dropped := c.outbound.Len()
	c.cond.Broadcast()
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	if dropped > 0 {
		c.log.Warn("Dropped %d unpublished event(s) on close.", dropped)
	}

	return c.transport.Close()
}

func (c *Channel) wake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cond.Broadcast()
}

func (c *Channel) onStatusChange(status ConnectionStatus) {
	switch status {
	case Connected:
		c.log.Info("Connected to the message broker. %d event(s) pending.", c.Pending())
	case Disconnected:
		c.log.Warn("Lost the connection to the message broker.")
	}

	c.wake()

	c.handlersMu.RLock()
	handlers := c.statusHandlers
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(status)
	}
}

// next blocks until there is an event to publish and the Transport is connected. next returns nil once the
// Channel is closed or the context is done.
func (c *Channel) next(ctx context.Context) *outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.closed && ctx.Err() == nil && (c.outbound.Len() == 0 || c.transport.ConnectionStatus() != Connected) {
		c.cond.Wait()
	}

	if c.closed || ctx.Err() != nil {
		return nil
	}

	head, _ := c.outbound.Peek()
	return head
}

func (c *Channel) drain(ctx context.Context) {
	defer close(c.done)

	for {
		head := c.next(ctx)
		if head == nil {
			return
		}

		err := c.transport.Publish(ctx, head.topic, head.payload)
		if errors.Is(err, types.ErrDisconnected) || (err != nil && ctx.Err() != nil) {
			// Keep the event at the head of the queue so that publish order is preserved.
			c.log.Debug("Could not publish %s: %v. Retrying in %v.", head.event.String(), err, c.retryInterval)

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryInterval):
			}

			continue
		}

		c.mu.Lock()
		c.outbound.Dequeue()
		c.mu.Unlock()

		if err != nil {
			c.log.Error("Failed to publish %s on %s: %v", head.event.String(), head.topic, err)
		}

		if head.callback != nil {
			head.callback(head.event, err)
		}
	}
}
