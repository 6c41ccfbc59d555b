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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestStreamSink(t *testing.T) {
	assert := assert.New(t)

	_, err := NewStreamSink(0)
	assert.NotNil(err)

	uut, err := NewStreamSink(2)
	assert.Nil(err)

	// Case 0: queue up to the backlog
	assert.Nil(uut.Send(Event{Type: "a"}))
	assert.Nil(uut.Send(Event{Type: "b"}))
	assert.ErrorIs(uut.Send(Event{Type: "c"}), ErrSinkBacklogged)

	// Case 1: reading frees space, order kept
	first := <-uut.Events()
	assert.Equal("a", first.Type)
	assert.Nil(uut.Send(Event{Type: "d"}))

	// Case 2: close drains then ends the channel
	assert.Nil(uut.Close())
	assert.Nil(uut.Close())
	assert.ErrorIs(uut.Send(Event{Type: "e"}), ErrSinkClosed)
	remaining := []string{}
	for event := range uut.Events() {
		remaining = append(remaining, event.Type)
	}
	assert.Equal([]string{"b", "d"}, remaining)
}

func TestHubBroadcastAndReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	buffer, err := NewSessionBuffer(HubTranscript, 3, 8, nil)
	assert.Nil(err)
	uut, err := NewHub(utCtxt, HubTranscript, NewRegistry(HubTranscript, nil), buffer, 4)
	assert.Nil(err)
	assert.True(uut.Buffered())
	assert.Equal(HubTranscript, uut.Name())

	// Case 0: events are buffered even with nobody listening
	assert.Equal(0, uut.Broadcast(Event{Type: "transcript", SessionID: "s1", UserID: "u1"}))
	assert.Equal(0, uut.Broadcast(Event{Type: "transcript", SessionID: "s1", UserID: "u1"}))
	// Events without a session are not buffered
	assert.Equal(0, uut.Broadcast(Event{Type: "transcript", UserID: "u1"}))
	replay := uut.Replay("s1", 0)
	assert.Len(replay, 2)
	for _, event := range replay {
		assert.Greater(event.BufferedAt, int64(0))
	}

	// Case 1: live delivery carries bufferedAt
	sink := &recordingSink{}
	uut.Registry().Register(NewConnectionKey("u1", "s1"), sink)
	assert.Equal(1, uut.Broadcast(Event{Type: "transcript", SessionID: "s1", UserID: "u1"}))
	assert.Greater(sink.events()[0].BufferedAt, int64(0))
	assert.Len(uut.Replay("s1", 0), 3)

	// Case 2: a bufferedAt set by the publisher is never passed on
	{
		assert.Equal(1, uut.Broadcast(Event{Type: "transcript", UserID: "u1", BufferedAt: 99}))
		assert.Equal(int64(0), sink.events()[1].BufferedAt)
		assert.Equal(1, uut.Broadcast(Event{
			Type: "transcript", SessionID: "s1", UserID: "u1", BufferedAt: -1,
		}))
		assert.Greater(sink.events()[2].BufferedAt, sink.events()[0].BufferedAt)
	}
}

func TestHubSubmit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := NewHub(utCtxt, HubWebhook, NewRegistry(HubWebhook, nil), nil, 4)
	assert.Nil(err)
	assert.False(uut.Buffered())
	assert.Len(uut.Replay("s1", 0), 0)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	sink, err := NewStreamSink(16)
	assert.Nil(err)
	uut.Registry().Register(NewConnectionKey("u1", ""), sink)

	for itr := 0; itr < 10; itr++ {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		assert.Nil(uut.Submit(ctxt, Event{
			Type: "bot_status", UserID: "u1", Data: map[string]interface{}{"idx": itr},
		}))
		cancel()
	}

	for itr := 0; itr < 10; itr++ {
		select {
		case event := <-sink.Events():
			assert.Equal(itr, event.Data["idx"])
			assert.False(event.Timestamp.IsZero())
		case <-time.After(time.Second):
			assert.Failf("timeout", "event %d never delivered", itr)
			return
		}
	}
}

func TestHubRequiresRegistry(t *testing.T) {
	assert := assert.New(t)
	_, err := NewHub(context.Background(), "bad", nil, nil, 1)
	assert.NotNil(err)
}
