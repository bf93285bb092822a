package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"crewspace/api/internal/store"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateTimeout      State = "timeout"
	StateResubscribed State = "resubscribed"
)

type Status struct {
	State State
	Err   error
}

// RedisFeed publishes and subscribes to row changes on Redis channels named
// "<prefix>:<table>:<parent_id>".
type RedisFeed struct {
	client           *redis.Client
	prefix           string
	subscribeTimeout time.Duration
}

func NewRedisFeed(client *redis.Client, prefix string, subscribeTimeout time.Duration) *RedisFeed {
	if prefix == "" {
		prefix = "crewspace"
	}
	if subscribeTimeout <= 0 {
		subscribeTimeout = 5 * time.Second
	}
	return &RedisFeed{client: client, prefix: prefix, subscribeTimeout: subscribeTimeout}
}

// Publish announces a row change to every subscriber of the row's topic.
func (f *RedisFeed) Publish(ctx context.Context, op Op, entity store.Entity) error {
	payload, err := Encode(Event{Op: op, Table: entity.EntityTable(), Record: entity})
	if err != nil {
		return err
	}
	channel := TopicFor(entity).Channel(f.prefix)
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is one live subscription scope. Events and Status are closed
// once Close returns.
type Subscription struct {
	pubsub  *redis.PubSub
	prefix  string
	events  chan Event
	status  chan Status
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	pending int
}

// Subscribe starts listening on topics. The first Status is StateSubscribed
// once Redis confirms every channel, or StateTimeout if that takes longer than
// the configured bound.
func (f *RedisFeed) Subscribe(ctx context.Context, topics ...Topic) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	channels := channelNames(f.prefix, topics)
	sub := &Subscription{
		pubsub:  f.client.Subscribe(ctx, channels...),
		prefix:  f.prefix,
		events:  make(chan Event, 256),
		status:  make(chan Status, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: len(channels),
	}
	go sub.run(ctx, f.subscribeTimeout)
	return sub
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Status() <-chan Status {
	return s.status
}

// Add extends the subscription with more topics, e.g. a project created after
// the session started.
func (s *Subscription) Add(ctx context.Context, topics ...Topic) error {
	channels := channelNames(s.prefix, topics)
	if len(channels) == 0 {
		return nil
	}
	s.mu.Lock()
	s.pending += len(channels)
	s.mu.Unlock()
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %d channels: %w", len(channels), err)
	}
	return nil
}

// Remove drops topics, e.g. a project that was deleted.
func (s *Subscription) Remove(ctx context.Context, topics ...Topic) error {
	channels := channelNames(s.prefix, topics)
	if len(channels) == 0 {
		return nil
	}
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %d channels: %w", len(channels), err)
	}
	return nil
}

// Close unsubscribes and waits for the reader to stop.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if unsubErr := s.pubsub.Unsubscribe(ctx); unsubErr != nil && !errors.Is(unsubErr, redis.ErrClosed) {
			err = fmt.Errorf("unsubscribe: %w", unsubErr)
		}
		s.cancel()
		if closeErr := s.pubsub.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, redis.ErrClosed) {
			err = fmt.Errorf("close pubsub: %w", closeErr)
		}
		<-s.done
	})
	return err
}

func (s *Subscription) run(ctx context.Context, timeout time.Duration) {
	defer close(s.done)
	defer close(s.events)
	defer close(s.status)

	confirmed := false
	timedOut := false
	failing := false
	deadline := time.Now().Add(timeout)

	for {
		var (
			msg any
			err error
		)
		if !confirmed && !timedOut {
			wait := time.Until(deadline)
			if wait <= 0 {
				wait = time.Millisecond
			}
			msg, err = s.pubsub.ReceiveTimeout(ctx, wait)
		} else {
			msg, err = s.pubsub.Receive(ctx)
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if isTimeout(err) && !confirmed && !timedOut {
				timedOut = true
				s.emit(ctx, Status{State: StateTimeout, Err: err})
				continue
			}
			if !failing {
				failing = true
				log.Printf("feed: receive failed: %v", err)
				s.emit(ctx, Status{State: StateError, Err: err})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			if failing {
				failing = false
				s.setPending(0)
				s.emit(ctx, Status{State: StateResubscribed})
				continue
			}
			if s.confirm() && !confirmed {
				confirmed = true
				s.emit(ctx, Status{State: StateSubscribed})
			}
		case *redis.Message:
			if failing {
				failing = false
				s.emit(ctx, Status{State: StateResubscribed})
			}
			event, err := Decode([]byte(m.Payload))
			if err != nil {
				log.Printf("feed: drop event on %s: %v", m.Channel, err)
				continue
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// confirm counts one channel confirmation and reports whether none are pending.
func (s *Subscription) confirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	return s.pending == 0
}

func (s *Subscription) setPending(n int) {
	s.mu.Lock()
	s.pending = n
	s.mu.Unlock()
}

func (s *Subscription) emit(ctx context.Context, status Status) {
	select {
	case s.status <- status:
	case <-ctx.Done():
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func channelNames(prefix string, topics []Topic) []string {
	channels := make([]string, 0, len(topics))
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		channel := topic.Channel(prefix)
		if seen[channel] {
			continue
		}
		seen[channel] = true
		channels = append(channels, channel)
	}
	return channels
}
