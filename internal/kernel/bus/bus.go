// Package bus implements the in-process Event Bus: bounded, replayable
// pub/sub over kernel event rows with topic-prefix subscription. Publishers
// never block on a slow subscriber; an overrun subscriber has its oldest
// buffered event dropped to make room for the new one.
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/agentrt/agentd/internal/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSubBuffer  = 64
	defaultReplaySize = 256
)

// Bus fans out published kernel events to topic-prefix subscribers and keeps
// a bounded replay window so SSE subscribers can resume after a
// Last-Event-ID hint.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	replay     []model.EventRow
	replaySize int
}

// New constructs a Bus with the default replay window size.
func New() *Bus {
	return NewWithReplay(defaultReplaySize)
}

// NewWithReplay constructs a Bus with an explicit replay window size.
func NewWithReplay(replaySize int) *Bus {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		replaySize: replaySize,
	}
}

// Subscription is a live, topic-prefix-filtered view onto the bus.
type Subscription struct {
	bus    *Bus
	prefix string
	ch     chan model.EventRow
	mu     sync.Mutex
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan model.EventRow {
	return s.ch
}

// Close unregisters the subscription and releases its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
}

func (s *Subscription) matches(kind string) bool {
	return s.prefix == "" || strings.HasPrefix(kind, s.prefix)
}

// offer delivers row without blocking; if the subscriber's buffer is full,
// the oldest queued event is dropped to make room.
func (s *Subscription) offer(row model.EventRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- row:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- row:
	default:
	}
}

// Subscribe registers a new subscription. If prefix is non-empty, only
// events whose kind starts with prefix are delivered. If sinceID > 0, any
// buffered replay events with id > sinceID are delivered immediately,
// before live delivery begins.
func (b *Bus) Subscribe(prefix string, sinceID int64) *Subscription {
	sub := &Subscription{
		bus:    b,
		prefix: prefix,
		ch:     make(chan model.EventRow, defaultSubBuffer),
	}

	b.mu.Lock()
	replay := make([]model.EventRow, 0, len(b.replay))
	for _, row := range b.replay {
		if row.ID > sinceID && sub.matches(row.Kind) {
			replay = append(replay, row)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	for _, row := range replay {
		sub.offer(row)
	}
	return sub
}

// Publish fans row out to every matching subscriber concurrently and
// appends it to the replay window. It never blocks on a subscriber.
func (b *Bus) Publish(ctx context.Context, row model.EventRow) error {
	b.mu.Lock()
	b.replay = append(b.replay, row)
	if len(b.replay) > b.replaySize {
		b.replay = b.replay[len(b.replay)-b.replaySize:]
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.matches(row.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, sub := range targets {
		sub := sub
		g.Go(func() error {
			sub.offer(row)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithComponent("bus").Warn().Err(err).Str("kind", row.Kind).Msg("publish fan-out error")
		return err
	}
	return nil
}

// Replay returns buffered events with id > sinceID matching prefix, in
// ascending id order.
func (b *Bus) Replay(prefix string, sinceID int64) []model.EventRow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.EventRow, 0)
	for _, row := range b.replay {
		if row.ID > sinceID && (prefix == "" || strings.HasPrefix(row.Kind, prefix)) {
			out = append(out, row)
		}
	}
	return out
}
