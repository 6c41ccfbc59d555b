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
	"errors"
	"fmt"
	"sync"
)

// ErrSinkClosed the sink no longer accepts events
var ErrSinkClosed = errors.New("sink closed")

// ErrSinkBacklogged the sink reader has fallen too far behind
var ErrSinkBacklogged = errors.New("sink backlog full")

// Sink an open handle to one client's live stream
type Sink interface {
	// Send deliver one event. An error means the sink is no longer usable.
	Send(event Event) error
}

// sinkCloser sinks which hold resources to release once removed from a registry
type sinkCloser interface {
	Close() error
}

// safeSend call Send, converting a panic into an error
func safeSend(sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Send(event)
}

// ==============================================================================

// StreamSink a Sink backed by a bounded queue, drained by the goroutine which owns
// the client connection.
type StreamSink struct {
	lock   sync.Mutex
	closed bool
	queue  chan Event
}

// NewStreamSink define a new StreamSink which holds at most backlog undelivered events
func NewStreamSink(backlog int) (*StreamSink, error) {
	if backlog < 1 {
		return nil, fmt.Errorf("stream sink backlog must be at least 1: %d", backlog)
	}
	return &StreamSink{queue: make(chan Event, backlog)}, nil
}

// Send queue one event for the stream. Never blocks.
func (s *StreamSink) Send(event Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- event:
		return nil
	default:
		return ErrSinkBacklogged
	}
}

// Events the queued events. The channel is closed when the sink is closed.
func (s *StreamSink) Events() <-chan Event {
	return s.queue
}

// Close stop accepting events. Idempotent.
func (s *StreamSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	return nil
}
