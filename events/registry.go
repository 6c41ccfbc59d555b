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
	"github.com/google/uuid"
	"github.com/liveprompt/eventhub/common"
)

// AllSessions the session scope of a stream watching every session of its user
const AllSessions = "all"

// ConnectionKey identifies one registered client stream, and carries its scope
type ConnectionKey struct {
	// UserID is the user owning the stream
	UserID string
	// SessionID is the session the stream watches. Empty means all sessions.
	SessionID string
	// Nonce keeps keys of concurrent streams with the same scope apart
	Nonce string
}

// NewConnectionKey define the key for a new stream. A sessionID of "" or "all"
// watches every session.
func NewConnectionKey(userID, sessionID string) ConnectionKey {
	if sessionID == AllSessions {
		sessionID = ""
	}
	return ConnectionKey{UserID: userID, SessionID: sessionID, Nonce: uuid.NewString()}
}

// AllSessions whether the stream watches every session
func (k ConnectionKey) AllSessions() bool {
	return k.SessionID == ""
}

// String toString function
func (k ConnectionKey) String() string {
	session := k.SessionID
	if k.AllSessions() {
		session = AllSessions
	}
	return fmt.Sprintf("%s-%s-%s", k.UserID, session, k.Nonce)
}

// Matches whether an event is in scope for this stream
func (k ConnectionKey) Matches(event Event) bool {
	if event.UserID != "" && event.UserID != k.UserID {
		return false
	}
	if event.SessionID != "" && !k.AllSessions() && event.SessionID != k.SessionID {
		return false
	}
	return true
}

// ==============================================================================

// Registry the set of open client streams of one hub
type Registry struct {
	common.Component
	hub     string
	metrics *Metrics
	lock    sync.Mutex
	sinks   map[ConnectionKey]Sink
}

// NewRegistry define a new empty registry
func NewRegistry(hub string, metrics *Metrics) *Registry {
	logTags := log.Fields{
		"module": "events", "component": "registry", "instance": hub,
	}
	return &Registry{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
		metrics:   metrics,
		sinks:     make(map[ConnectionKey]Sink),
	}
}

// Register add a sink under a key. A sink already under the key is replaced.
func (r *Registry) Register(key ConnectionKey, sink Sink) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sinks[key] = sink
	r.metrics.setConnections(r.hub, len(r.sinks))
	log.WithFields(r.LogTags).Debugf("Registered %s", key)
}

// Deregister remove the sink under a key, closing it. No-op if the key is unknown.
func (r *Registry) Deregister(key ConnectionKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.remove(key)
}

// remove drop and close a sink. Caller holds the lock.
func (r *Registry) remove(key ConnectionKey) {
	sink, ok := r.sinks[key]
	if !ok {
		return
	}
	delete(r.sinks, key)
	if closer, ok := sink.(sinkCloser); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to close sink of %s", key)
		}
	}
	r.metrics.setConnections(r.hub, len(r.sinks))
	log.WithFields(r.LogTags).Debugf("Deregistered %s", key)
}

// Count number of registered sinks
func (r *Registry) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sinks)
}

// Broadcast deliver an event to every sink in its scope, returning how many sinks
// accepted it.
//
// Sinks failing the write are removed, and delivery continues with the rest.
// Broadcasts are serialized, so each sink sees events in call order.
func (r *Registry) Broadcast(event Event) int {
	event = event.normalize(time.Now())
	r.lock.Lock()
	defer r.lock.Unlock()
	delivered := 0
	for key, sink := range r.sinks {
		if !key.Matches(event) {
			continue
		}
		if err := safeSend(sink, event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Infof(
				"Dropping %s after failed write of %s", key, event,
			)
			r.metrics.sinkFailed(r.hub)
			r.remove(key)
			continue
		}
		delivered++
		r.metrics.eventDelivered(r.hub)
	}
	return delivered
}
