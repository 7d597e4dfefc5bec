// internal/selfmod/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// Publisher is the narrow view of the bus that producers depend on.
type Publisher interface {
	Post(ctx context.Context, topic models.Topic, payload interface{}) error
}

// Nop is a Publisher that drops every event.
type Nop struct{}

// Post implements Publisher.
func (Nop) Post(context.Context, models.Topic, interface{}) error { return nil }

// Message is the envelope delivered to subscribers. Seq orders messages
// within one Bus.
type Message struct {
	ID        string
	Seq       uint64
	Timestamp time.Time
	Topic     models.Topic
	Payload   interface{}
}

type subscription struct {
	topics map[models.Topic]struct{}
	ch     chan Message
	// active is false once the subscriber unsubscribed. The channel stays
	// registered so Shutdown can close it.
	active bool
}

func (s *subscription) wants(topic models.Topic) bool {
	_, ok := s.topics[topic]
	return s.active && ok
}

// Bus is an in-process pub/sub transport for pipeline and self-mod events.
// Every delivered message must be acknowledged; Shutdown waits for that.
type Bus struct {
	logger     *zap.Logger
	bufferSize int
	seq        atomic.Uint64

	mu     sync.Mutex
	subs   []*subscription
	closed bool

	posts   sync.WaitGroup // Post calls past the closed check
	unacked sync.WaitGroup // delivered, not yet acknowledged
	done    chan struct{}
	once    sync.Once
}

// New builds a Bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	return &Bus{
		logger:     logger.Named("event_bus"),
		bufferSize: max(bufferSize, 0),
		done:       make(chan struct{}),
	}
}

// Post delivers an event to every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx ends or the bus shuts down.
func (b *Bus) Post(ctx context.Context, topic models.Topic, payload interface{}) error {
	// 1. Snapshot the matching channels and register the post.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("cannot post %s: bus is shut down", topic)
	}
	var targets []chan Message
	for _, s := range b.subs {
		if s.wants(topic) {
			targets = append(targets, s.ch)
		}
	}
	b.posts.Add(1)
	b.mu.Unlock()
	defer b.posts.Done()

	if len(targets) == 0 {
		return nil
	}

	msg := Message{
		ID:        uuid.NewString(),
		Seq:       b.seq.Add(1),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}
	b.logger.Debug("Posting event.", zap.String("topic", string(topic)), zap.Uint64("seq", msg.Seq))

	// 2. Deliver. Each delivery stays outstanding until acknowledged.
	for _, ch := range targets {
		b.unacked.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.unacked.Done()
			return ctx.Err()
		case <-b.done:
			b.unacked.Done()
			return fmt.Errorf("failed to post %s: bus is shutting down", topic)
		}
	}
	return nil
}

// Subscribe returns a channel receiving events for topics and a function that
// stops delivery. The channel is closed by Shutdown. After Shutdown, or with
// no topics, the returned channel is already closed.
func (b *Bus) Subscribe(topics ...models.Topic) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(topics) == 0 {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	s := &subscription{
		topics: make(map[models.Topic]struct{}, len(topics)),
		ch:     make(chan Message, b.bufferSize),
		active: true,
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	b.subs = append(b.subs, s)

	unsubscribe := func() {
		b.mu.Lock()
		s.active = false
		b.mu.Unlock()
	}
	return s.ch, unsubscribe
}

// Acknowledge marks a delivered message as processed.
func (b *Bus) Acknowledge(Message) {
	b.unacked.Done()
}

// Shutdown stops new posts, closes every subscriber channel once in-flight
// posts have returned, and waits until each delivered message is acknowledged.
// Messages still sitting in a buffer are released on the consumer's behalf.
func (b *Bus) Shutdown() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)
		b.posts.Wait()

		// Nothing can post any more, so closing is safe.
		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()

		drained := 0
		for _, s := range subs {
			close(s.ch)
			for range s.ch {
				drained++
				b.unacked.Done()
			}
		}
		if drained > 0 {
			b.logger.Debug("Released buffered events during shutdown.", zap.Int("count", drained))
		}

		b.unacked.Wait()
		b.logger.Debug("Event bus shut down.", zap.Uint64("posted", b.seq.Load()))
	})
}
