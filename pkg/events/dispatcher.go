// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/graver/internal/logging"
)

// DefaultMailboxSize bounds each subscriber's backlog. When a listener falls
// this far behind the oldest undelivered event is dropped.
const DefaultMailboxSize = 4096

// Listener receives events
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

// HandleEvent calls f(ev)
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// Subscription identifies a registered listener
type Subscription struct {
	id uint64
}

// subscriber owns one listener's mailbox
type subscriber struct {
	listener Listener

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	stopped bool // unsubscribed: queued events are discarded
	dropped uint64
	done    chan struct{}
}

func newSubscriber(l Listener) *subscriber {
	s := &subscriber{
		listener: l,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push queues ev, dropping the oldest event past limit
func (s *subscriber) push(ev Event, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	if len(s.queue) >= limit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	return dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// stop ends delivery and discards the backlog. An event already being
// handled finishes.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.stopped = true
	clear(s.queue)
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// deliver runs until close, then drains whatever is queued
func (s *subscriber) deliver() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			if s.isStopped() {
				return
			}
			s.listener.HandleEvent(ev)
		}
	}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMailboxSize bounds each subscriber's backlog
func WithMailboxSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limit = n
		}
	}
}

// Dispatcher delivers published events to every subscriber, in publish
// order per subscriber
type Dispatcher struct {
	logger logrus.FieldLogger
	limit  int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: logging.Discard(),
		limit:  DefaultMailboxSize,
		subs:   make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a listener. After Close it returns a subscription
// that never receives anything.
func (d *Dispatcher) Subscribe(l Listener) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := Subscription{id: d.nextID}
	if d.closed {
		return sub
	}

	s := newSubscriber(l)
	d.subs[sub.id] = s
	go s.deliver()
	return sub
}

// SubscribeFunc registers a function listener
func (d *Dispatcher) SubscribeFunc(fn func(Event)) Subscription {
	return d.Subscribe(ListenerFunc(fn))
}

// Unsubscribe stops delivery to a listener. Events still queued for it are
// discarded; only an event it is handling at the time completes.
func (d *Dispatcher) Unsubscribe(sub Subscription) {
	d.mu.Lock()
	s, ok := d.subs[sub.id]
	delete(d.subs, sub.id)
	d.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Publish queues ev for every subscriber and returns immediately
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, s := range d.subs {
		if s.push(ev, d.limit) {
			d.logger.WithField("subscription", id).Warn("Listener is falling behind, dropped oldest event")
		}
	}
}

// Subscribers returns the number of registered listeners
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close unsubscribes everyone and waits for queued events to be delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[uint64]*subscriber)
	d.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	for _, s := range subs {
		<-s.done
	}
}
