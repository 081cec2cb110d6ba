package client

import (
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/jupyter-kernel-client/common/jupyter/messaging"
	"github.com/scusemua/jupyter-kernel-client/common/queue"
)

const (
	// IOPubAllTopics subscribes to every iopub message, including types with no
	// dedicated subscriber.
	IOPubAllTopics = "all"

	// DefaultSubscriberBuffer is the per-subscriber queue bound. When a
	// subscriber falls behind, the oldest queued message is dropped and counted.
	DefaultSubscriberBuffer = 256
)

// IOPubHandler processes one iopub message for a subscriber. Handlers run on
// the subscriber's own goroutine, never on the receive loop.
type IOPubHandler func(msg *messaging.JupyterMessage) error

// Subscription is one iopub subscriber with its bounded queue. Iopub is lossy
// from the subscriber's point of view: if the handler is slow, the oldest
// pending messages are dropped rather than blocking the receive loop.
type Subscription struct {
	topic   string
	handler IOPubHandler

	mu       sync.Mutex
	pending  *queue.Fifo[*messaging.JupyterMessage]
	capacity int

	// notify wakes the pump when the queue becomes non-empty.
	notify chan struct{}

	dropped int64

	closed    chan struct{}
	closeOnce sync.Once

	broker *IOPubBroker
}

// Topic returns the message type this subscription receives, or IOPubAllTopics.
func (sub *Subscription) Topic() string {
	return sub.topic
}

// Dropped returns how many messages were discarded because this subscriber's
// queue overflowed.
func (sub *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&sub.dropped)
}

// Close detaches the subscription and stops its pump goroutine.
func (sub *Subscription) Close() {
	sub.broker.unsubscribe(sub)
	sub.closeOnce.Do(func() {
		close(sub.closed)
	})
}

// enqueue adds the message to the subscriber's queue, evicting the oldest
// queued message on overflow. The receive loop never blocks here.
func (sub *Subscription) enqueue(msg *messaging.JupyterMessage) (droppedOne bool) {
	sub.mu.Lock()
	if sub.pending.Len() >= sub.capacity {
		_, _ = sub.pending.Dequeue()
		atomic.AddInt64(&sub.dropped, 1)
		droppedOne = true
	}
	sub.pending.Enqueue(msg)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}

	return droppedOne
}

// pump drains the subscription's queue, invoking the handler for each message.
func (sub *Subscription) pump() {
	for {
		select {
		case <-sub.closed:
			return
		case <-sub.notify:
		}

		for {
			sub.mu.Lock()
			msg, ok := sub.pending.Dequeue()
			sub.mu.Unlock()

			if !ok {
				break
			}

			if err := sub.handler(msg); err != nil {
				sub.broker.log.Warn("Error in iopub handler for topic \"%s\": %v", sub.topic, err)
			}

			select {
			case <-sub.closed:
				return
			default:
			}
		}
	}
}

// IOPubBroker fans iopub messages out to subscribers keyed by message type.
// Messages whose type has no dedicated subscriber still reach the
// IOPubAllTopics subscribers, so unknown message types are never lost silently.
type IOPubBroker struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription

	// overflowDrops counts queue evictions across all subscribers.
	overflowDrops int64

	log logger.Logger
}

func newIOPubBroker(name string) *IOPubBroker {
	broker := &IOPubBroker{
		topics: make(map[string][]*Subscription),
	}
	config.InitLogger(&broker.log, "IOPubBroker "+name+" ")
	return broker
}

// Subscribe registers a handler for the given iopub message type (or
// IOPubAllTopics). bufferSize bounds the subscriber's queue; values <= 0 use
// DefaultSubscriberBuffer.
func (broker *IOPubBroker) Subscribe(topic string, bufferSize int, handler IOPubHandler) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}

	sub := &Subscription{
		topic:    topic,
		handler:  handler,
		pending:  queue.NewFifo[*messaging.JupyterMessage](bufferSize),
		capacity: bufferSize,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		broker:   broker,
	}

	broker.mu.Lock()
	broker.topics[topic] = append(broker.topics[topic], sub)
	broker.mu.Unlock()

	go sub.pump()

	return sub
}

// Publish delivers the message to the subscribers of its message type and to
// the all-topics subscribers. Returns the number of subscribers reached.
func (broker *IOPubBroker) Publish(msg *messaging.JupyterMessage) int {
	topic := msg.JupyterMessageType()

	broker.mu.RLock()
	subs := make([]*Subscription, 0, len(broker.topics[topic])+len(broker.topics[IOPubAllTopics]))
	subs = append(subs, broker.topics[topic]...)
	if topic != IOPubAllTopics {
		subs = append(subs, broker.topics[IOPubAllTopics]...)
	}
	broker.mu.RUnlock()

	for _, sub := range subs {
		if sub.enqueue(msg) {
			atomic.AddInt64(&broker.overflowDrops, 1)
		}
	}

	return len(subs)
}

// OverflowDrops returns the total number of messages evicted from subscriber
// queues.
func (broker *IOPubBroker) OverflowDrops() int64 {
	return atomic.LoadInt64(&broker.overflowDrops)
}

func (broker *IOPubBroker) unsubscribe(sub *Subscription) {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	subs := broker.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			broker.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// closeAll detaches every subscription.
func (broker *IOPubBroker) closeAll() {
	broker.mu.Lock()
	var all []*Subscription
	for _, subs := range broker.topics {
		all = append(all, subs...)
	}
	broker.topics = make(map[string][]*Subscription)
	broker.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() {
			close(sub.closed)
		})
	}
}
