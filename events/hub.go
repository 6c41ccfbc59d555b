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
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/liveprompt/eventhub/common"
)

// Names of the hubs served
const (
	// HubWebhook carries meeting bot status and other webhook driven events
	HubWebhook = "webhook"
	// HubTranscript carries live transcript chunks, with per-session catch-up
	HubTranscript = "transcript"
)

// Hub pairs a registry of client streams with an optional catch-up buffer
type Hub struct {
	common.Component
	name     string
	registry *Registry
	buffer   *SessionBuffer
	tp       common.TaskProcessor
}

// hubSubmitRequest event queued for broadcast through the hub event loop
type hubSubmitRequest struct {
	event Event
}

// NewHub define a new hub. buffer may be nil for hubs without catch-up.
//
// submitBuffer is the number of submitted events which may wait for broadcast.
func NewHub(
	ctxt context.Context,
	name string,
	registry *Registry,
	buffer *SessionBuffer,
	submitBuffer int,
) (*Hub, error) {
	logTags := log.Fields{
		"module": "events", "component": "hub", "instance": name,
	}
	if registry == nil {
		return nil, fmt.Errorf("hub %s requires a registry", name)
	}
	tp, err := common.GetNewTaskProcessorInstance(fmt.Sprintf("hub-%s", name), submitBuffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &Hub{
		Component: common.Component{LogTags: logTags},
		name:      name,
		registry:  registry,
		buffer:    buffer,
		tp:        tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(hubSubmitRequest{}), instance.processSubmitRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Name the hub name
func (h *Hub) Name() string {
	return h.name
}

// Registry the hub stream registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Buffered whether the hub keeps per-session catch-up buffers
func (h *Hub) Buffered() bool {
	return h.buffer != nil
}

// Start start processing submitted events
func (h *Hub) Start(wg *sync.WaitGroup) error {
	return h.tp.StartEventLoop(wg)
}

// Stop stop processing submitted events
func (h *Hub) Stop() error {
	return h.tp.StopEventLoop()
}

// Broadcast buffer the event if the hub is buffered and the event has a session,
// then deliver it to every stream in scope. Returns the number of streams reached.
func (h *Hub) Broadcast(event Event) int {
	event = event.normalize(time.Now())
	// bufferedAt is only ever stamped by this hub's buffer
	event.BufferedAt = 0
	if h.buffer != nil && event.SessionID != "" {
		event = h.buffer.Append(event.SessionID, event)
	}
	delivered := h.registry.Broadcast(event)
	log.WithFields(h.LogTags).Debugf("Delivered %s to %d streams", event, delivered)
	return delivered
}

// Submit queue an event for broadcast on the hub event loop. Events are broadcast in
// submission order.
func (h *Hub) Submit(ctxt context.Context, event Event) error {
	// Stamp now so the timestamp reflects publish time, not broadcast time
	event = event.normalize(time.Now())
	if err := h.tp.Submit(ctxt, hubSubmitRequest{event: event}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to submit %s", event)
		return err
	}
	return nil
}

// processSubmitRequest support TaskProcessor, handle hubSubmitRequest
func (h *Hub) processSubmitRequest(param interface{}) error {
	request, ok := param.(hubSubmitRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for hub submit", reflect.TypeOf(param),
		)
	}
	h.Broadcast(request.event)
	return nil
}

// Replay the buffered events of a session, buffered after since (epoch ms).
// Hubs without a buffer return an empty list.
func (h *Hub) Replay(sessionID string, since int64) []Event {
	if h.buffer == nil {
		return []Event{}
	}
	return h.buffer.Drain(sessionID, since)
}
