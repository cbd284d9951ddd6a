// Package bus provides the in-process event backbone: named topics,
// at-least-once delivery, and independent consumer groups with resumable
// cursors. The bus makes no ordering promise across producers of the same
// topic; consumers that need ordering reconstruct it themselves.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names used by the pipeline.
const (
	TopicTranscriptRequest = "transcript.request"
	TopicTranscriptReady   = "transcript.ready"
	TopicExtractionResult  = "extraction.result"
	TopicProfileUpdate     = "profile.update"
	TopicRecommendationSet = "recommendation.set"
	TopicQuestionSet       = "question.set"
)

// DefaultRetention is the number of messages a topic keeps for consumer
// groups that fall behind. Messages older than the retention window are
// trimmed; a lagging group skips ahead to the oldest retained message.
const DefaultRetention = 1024

// Message is a single event on a topic.
type Message struct {
	ID          string
	SessionID   string
	Kind        string
	Payload     []byte
	PublishedAt time.Time
}

// Bus is an in-memory publish/subscribe substrate. All methods are safe
// for concurrent use.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	retention int
	closed    bool
}

type topic struct {
	mu     sync.Mutex
	cond   *sync.Cond
	base   int64 // absolute offset of msgs[0]
	msgs   []Message
	groups map[string]*group
	closed bool
}

type group struct {
	cursor     int64 // next offset to deliver
	delivering bool  // a message is out and unacked
}

// New creates a Bus with the given per-topic retention. retention <= 0
// uses DefaultRetention.
func New(retention int) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Bus{topics: make(map[string]*topic), retention: retention}
}

// Publish appends a message to the topic. Delivery is fire-and-forget:
// the message is retained for every existing consumer group and for any
// group created before it is trimmed.
func (b *Bus) Publish(topicName string, msg Message) error {
	t, err := b.topic(topicName)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrBusClosed
	}

	t.msgs = append(t.msgs, msg)
	if len(t.msgs) > b.retention {
		drop := len(t.msgs) - b.retention
		t.msgs = t.msgs[drop:]
		t.base += int64(drop)
	}
	t.cond.Broadcast()
	return nil
}

// Subscribe attaches a consumer to the topic under the named group.
// A new group starts at the topic head and sees only messages published
// afterwards; a subscriber joining an existing group resumes from the
// group's last acknowledged position.
func (b *Bus) Subscribe(topicName, groupName string) (*Subscription, error) {
	if groupName == "" {
		return nil, fmt.Errorf("bus: consumer group name is required")
	}

	t, err := b.topic(topicName)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	g, ok := t.groups[groupName]
	if !ok {
		g = &group{cursor: t.base + int64(len(t.msgs))}
		t.groups[groupName] = g
	}
	t.mu.Unlock()

	sub := &Subscription{
		topic: t,
		group: g,
		ch:    make(chan Message),
		ack:   make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// Close shuts down the bus. All subscriptions drain and their channels
// close; further publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.closed = true
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func (b *Bus) topic(name string) (*topic, error) {
	if name == "" {
		return nil, fmt.Errorf("bus: topic name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*group)}
		t.cond = sync.NewCond(&t.mu)
		b.topics[name] = t
	}
	return t, nil
}

// Subscription is one consumer's attachment to a (topic, group) pair.
// Messages arrive on C one at a time; each must be acknowledged with Ack
// before the next is delivered. A message delivered but never
// acknowledged is redelivered to the group's next consumer.
type Subscription struct {
	topic *topic
	group *group
	ch    chan Message
	ack   chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

// C returns the delivery channel. It closes when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Message { return s.ch }

// Ack acknowledges the most recently delivered message, advancing the
// group cursor.
func (s *Subscription) Ack() {
	select {
	case s.ack <- struct{}{}:
	default:
	}
}

// Close detaches the consumer. An unacknowledged in-flight message is
// returned to the group for redelivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.topic.mu.Lock()
		s.topic.cond.Broadcast()
		s.topic.mu.Unlock()
	})
}

func (s *Subscription) run() {
	defer close(s.ch)

	t := s.topic
	g := s.group
	for {
		t.mu.Lock()
		for {
			if t.closed || s.isDone() {
				t.mu.Unlock()
				return
			}
			if g.cursor < t.base {
				// Fell behind retention; resume at the oldest kept message.
				g.cursor = t.base
			}
			if !g.delivering && g.cursor < t.base+int64(len(t.msgs)) {
				break
			}
			t.cond.Wait()
		}

		msg := t.msgs[g.cursor-t.base]
		g.delivering = true
		t.mu.Unlock()

		select {
		case s.ch <- msg:
		case <-s.done:
			s.release(g, false)
			return
		}

		select {
		case <-s.ack:
			s.release(g, true)
		case <-s.done:
			s.release(g, false)
			return
		}
	}
}

func (s *Subscription) release(g *group, acked bool) {
	t := s.topic
	t.mu.Lock()
	g.delivering = false
	if acked {
		g.cursor++
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (s *Subscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
