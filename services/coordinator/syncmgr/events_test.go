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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(Event{Type: EventSynced, EntityID: "a"})

	for _, s := range []*Subscription{s1, s2} {
		ev := <-s.Events()
		assert.Equal(t, EventSynced, ev.Type)
		assert.Equal(t, "a", ev.EntityID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventSynced})
	}
	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Equal(t, int64(2), b.Dropped())
	assert.Len(t, fast.Events(), 3)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Subscribe(1)
	s.Close()
	s.Close()
	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	other := b.Subscribe(1)
	b.Close()
	_, ok = <-other.Events()
	require.False(t, ok)
	b.Publish(Event{Type: EventFailed})
}
