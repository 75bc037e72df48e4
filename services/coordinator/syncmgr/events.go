// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncmgr

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a sync event.
type EventType string

const (
	// EventSynced is published once a change reached both stores.
	EventSynced EventType = "synced"

	// EventFailed is published when applying a change failed. The record
	// stays in the log and is retried.
	EventFailed EventType = "failed"

	// EventAbandoned follows EventFailed once a record ran out of attempts.
	// The record stays in the log; the consistency checker repairs the
	// entity and retries it.
	EventAbandoned EventType = "abandoned"

	// EventConflict is published by the session layer for merge conflicts.
	EventConflict EventType = "conflict"

	// EventInconsistent is published by the consistency checker per drifted
	// entity.
	EventInconsistent EventType = "inconsistent"

	// EventRepaired is published after a drifted vector was rewritten.
	EventRepaired EventType = "repaired"
)

// Event is one entry of the broadcast stream.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Op        string    `json:"op,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one consumer of the event stream.
type Subscription struct {
	id      uint64
	ch      chan Event
	b       *Broadcaster
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the receive side. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
		close(s.ch)
	})
}

// Broadcaster fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full loses the event.
//
// Thread Safety: Safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, buffer), b: b}
	b.subs[s.id] = s
	subscribers.Set(float64(len(b.subs)))
	return s
}

// Publish stamps ev and delivers it to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			eventsDropped.Inc()
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of dropped deliveries.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
	subscribers.Set(0)
}
