// Copyright 2024 The eventhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/liveprompt/eventhub/common"
)

// DefaultBufferCapacity number of recent events retained per session
const DefaultBufferCapacity = 50

// eventRing fixed capacity FIFO of events
type eventRing struct {
	entries []Event
	head    int
	size    int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{entries: make([]Event, capacity)}
}

// push append an event, overwriting the oldest once full
func (r *eventRing) push(event Event) {
	capacity := len(r.entries)
	if r.size < capacity {
		r.entries[(r.head+r.size)%capacity] = event
		r.size++
		return
	}
	r.entries[r.head] = event
	r.head = (r.head + 1) % capacity
}

// since copy, oldest first, of the events buffered after a point in time (epoch ms)
func (r *eventRing) since(bufferedAfter int64) []Event {
	result := make([]Event, 0, r.size)
	capacity := len(r.entries)
	for itr := 0; itr < r.size; itr++ {
		entry := r.entries[(r.head+itr)%capacity]
		if entry.BufferedAt > bufferedAfter {
			result = append(result, entry)
		}
	}
	return result
}

// ==============================================================================

// SessionBuffer retains the most recent events of each session, so a client which
// connects late can catch up.
type SessionBuffer struct {
	common.Component
	hub      string
	capacity int
	metrics  *Metrics
	lock     sync.Mutex
	sessions *lru.Cache[string, *eventRing]
	now      func() time.Time
	// lastStamp is the most recent bufferedAt handed out
	lastStamp int64
}

// NewSessionBuffer define a new SessionBuffer
//
// capacity is the number of events kept per session, and maxSessions the number of
// sessions tracked at once.
func NewSessionBuffer(
	hub string, capacity, maxSessions int, metrics *Metrics,
) (*SessionBuffer, error) {
	logTags := log.Fields{
		"module": "events", "component": "session-buffer", "instance": hub,
	}
	if capacity < 1 {
		return nil, fmt.Errorf("session buffer capacity must be at least 1: %d", capacity)
	}
	sessions, err := lru.New[string, *eventRing](maxSessions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session cache")
		return nil, err
	}
	return &SessionBuffer{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
		capacity:  capacity,
		metrics:   metrics,
		sessions:  sessions,
		now:       time.Now,
	}, nil
}

// Append record an event for a session, returning the event tagged with bufferedAt.
//
// bufferedAt is the epoch ms of the append, bumped as needed to stay strictly
// increasing across the buffer.
func (b *SessionBuffer) Append(sessionID string, event Event) Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	stamp := b.now().UnixMilli()
	if stamp <= b.lastStamp {
		stamp = b.lastStamp + 1
	}
	b.lastStamp = stamp
	event.BufferedAt = stamp
	ring, ok := b.sessions.Get(sessionID)
	if !ok {
		ring = newEventRing(b.capacity)
		if evicted := b.sessions.Add(sessionID, ring); evicted {
			log.WithFields(b.LogTags).Debug("Session buffer limit reached, dropped oldest session")
		}
	}
	ring.push(event)
	b.metrics.eventBuffered(b.hub)
	return event
}

// Drain copy of the events buffered for a session, oldest first, limited to those
// buffered strictly after since (epoch ms). A since of 0 returns every event.
// Unknown sessions return an empty list.
func (b *SessionBuffer) Drain(sessionID string, since int64) []Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	ring, ok := b.sessions.Get(sessionID)
	if !ok {
		return []Event{}
	}
	return ring.since(since)
}

// Sessions number of sessions with buffered events
func (b *SessionBuffer) Sessions() int {
	return b.sessions.Len()
}
