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
	"encoding/json"
	"fmt"
	"time"
)

// Event types generated by the service itself
const (
	// EventTypeConnected is the first event sent on every new stream
	EventTypeConnected = "connected"
	// EventTypeHeartbeat is sent periodically to keep idle streams open through proxies
	EventTypeHeartbeat = "heartbeat"
)

// Event one notification pushed to clients
type Event struct {
	// Type is the event type, i.e. "transcript", "bot_status"
	Type string `json:"type" validate:"required"`
	// SessionID if set, only streams watching this session (or all sessions) receive the event
	SessionID string `json:"sessionId,omitempty"`
	// UserID if set, only streams owned by this user receive the event
	UserID string `json:"userId,omitempty"`
	// Data is the event payload
	Data map[string]interface{} `json:"data"`
	// Timestamp is when the event was published
	Timestamp time.Time `json:"timestamp"`
	// BufferedAt is when the event entered the session catch-up buffer, in epoch ms.
	// Only set on events of buffered hubs.
	BufferedAt int64 `json:"bufferedAt,omitempty"`
}

// String toString function
func (e Event) String() string {
	return fmt.Sprintf(
		"EVENT[%s user:'%s' session:'%s' @ %s]",
		e.Type, e.UserID, e.SessionID, e.Timestamp.Format(time.RFC3339Nano),
	)
}

// normalize fill in the fields a publisher may leave out
func (e Event) normalize(now time.Time) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	return e
}

// FormatSSE serialize the event as one Server-Sent Events message
func FormatSSE(e Event) ([]byte, error) {
	payload, err := json.Marshal(&e)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(payload)+8)
	msg = append(msg, "data: "...)
	msg = append(msg, payload...)
	msg = append(msg, '\n', '\n')
	return msg, nil
}

// DefineConnectedEvent the event which opens every stream
func DefineConnectedEvent(key ConnectionKey) Event {
	return Event{
		Type:      EventTypeConnected,
		SessionID: key.SessionID,
		UserID:    key.UserID,
		Data: map[string]interface{}{
			"connectionId": key.String(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// DefineHeartbeatEvent the keep-alive event
func DefineHeartbeatEvent() Event {
	return Event{
		Type: EventTypeHeartbeat, Data: map[string]interface{}{}, Timestamp: time.Now().UTC(),
	}
}
