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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/liveprompt/eventhub/common"
	"github.com/liveprompt/eventhub/core"
	"github.com/nats-io/nats.go"
)

// RelayMessage an event in transit between instances
type RelayMessage struct {
	// Hub is the name of the hub the event is published on
	Hub string `json:"hub" validate:"required,alphanum"`
	// Event is the published event
	Event Event `json:"event" validate:"required"`
}

// String toString for RelayMessage
func (m RelayMessage) String() string {
	return fmt.Sprintf("%s@%s", m.Event, m.Hub)
}

// defineRelaySubject helper function to define a NATS subject based on hub name
func defineRelaySubject(prefix, hub string) string {
	return fmt.Sprintf("%s.%s", prefix, hub)
}

// ==============================================================================

// RelayHandler is the function signature for callback processing a relayed event
type RelayHandler func(ctxt context.Context, hub string, event Event)

// RelayReceiver receives events relayed through NATS subjects
type RelayReceiver interface {
	// Subscribe start receiving relayed events
	Subscribe(wg *sync.WaitGroup, handler RelayHandler) error
}

// natsRelayReceiverImpl implements RelayReceiver
type natsRelayReceiverImpl struct {
	common.Component
	subject      string
	prefix       string
	nats         *core.NatsClient
	subscribed   bool
	subscription *nats.Subscription
	lock         sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetNATSRelayReceiver define RelayReceiver. Unsubscribes when the context ends.
func GetNATSRelayReceiver(
	ctxt context.Context, natsClient *core.NatsClient, subjectPrefix string, instance string,
) (RelayReceiver, error) {
	logTags := log.Fields{
		"module":    "events",
		"component": "nats-relay-receiver",
		"instance":  instance,
	}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, " *>") {
		err := fmt.Errorf("invalid relay subject prefix '%s'", subjectPrefix)
		log.WithError(err).WithFields(logTags).Error("Unable to define relay receiver")
		return nil, err
	}
	return &natsRelayReceiverImpl{
		Component:    common.Component{LogTags: logTags},
		subject:      defineRelaySubject(subjectPrefix, "*"),
		prefix:       subjectPrefix,
		nats:         natsClient,
		subscribed:   false,
		subscription: nil,
		validate:     validator.New(),
		ctxt:         ctxt,
	}, nil
}

// Subscribe start receiving relayed events
func (r *natsRelayReceiverImpl) Subscribe(wg *sync.WaitGroup, handler RelayHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already subscribed
	if r.subscribed {
		return fmt.Errorf("already instructed to subscribe to %s", r.subject)
	}
	r.subscribed = true
	sub, err := r.nats.NATs().Subscribe(r.subject, func(msg *nats.Msg) {
		var relayed RelayMessage
		if err := json.Unmarshal(msg.Data, &relayed); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to read relayed event: %s", msg.Data,
			)
			return
		}
		if err := r.validate.Struct(&relayed); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to validate relayed event: %s", msg.Data,
			)
			return
		}
		if msg.Subject != defineRelaySubject(r.prefix, relayed.Hub) {
			log.WithFields(r.LogTags).Errorf(
				"Relayed event for hub %s arrived on %s", relayed.Hub, msg.Subject,
			)
			return
		}
		log.WithFields(r.LogTags).Debugf("Received %s", relayed)
		handler(r.ctxt, relayed.Hub, relayed.Event)
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to subscribe to relay subject %s", r.subject,
		)
		return err
	}
	r.subscription = sub
	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from relay subject %s", r.subject,
			)
			return
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from relay subject %s", r.subject)
	}()
	return nil
}

// ==============================================================================

// RelayPublisher publishes events to every instance through NATS subjects
type RelayPublisher interface {
	// Publish relay an event published on a hub
	Publish(ctxt context.Context, hub string, event Event) error
}

// natsRelayPublisherImpl implements RelayPublisher
type natsRelayPublisherImpl struct {
	common.Component
	prefix   string
	nats     *core.NatsClient
	validate *validator.Validate
}

// GetNATSRelayPublisher define RelayPublisher
func GetNATSRelayPublisher(
	natsClient *core.NatsClient, subjectPrefix string, instance string,
) (RelayPublisher, error) {
	logTags := log.Fields{
		"module":    "events",
		"component": "nats-relay-publisher",
		"instance":  instance,
	}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, " *>") {
		err := fmt.Errorf("invalid relay subject prefix '%s'", subjectPrefix)
		log.WithError(err).WithFields(logTags).Error("Unable to define relay publisher")
		return nil, err
	}
	return &natsRelayPublisherImpl{
		Component: common.Component{LogTags: logTags},
		prefix:    subjectPrefix,
		nats:      natsClient,
		validate:  validator.New(),
	}, nil
}

// Publish relay an event published on a hub
func (t *natsRelayPublisherImpl) Publish(ctxt context.Context, hub string, event Event) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	relayed := RelayMessage{Hub: hub, Event: event}
	if err := t.validate.Struct(&relayed); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Relay message invalid")
		return err
	}
	subject := defineRelaySubject(t.prefix, hub)
	msg, err := json.Marshal(&relayed)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to serialize %s", relayed)
		return err
	}
	if err := t.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to send %s on %s", relayed, subject)
		return err
	}
	log.WithFields(t.LogTags).Debugf("Sent %s on %s", relayed, subject)
	return nil
}
