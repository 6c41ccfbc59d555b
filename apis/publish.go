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

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apex/log"
	"github.com/liveprompt/eventhub/auth"
	"github.com/liveprompt/eventhub/events"
)

// Publish godoc
// @Summary Publish an event
// @Description Publish an event on a hub. The event is delivered to every open stream
// in its scope. Delivery failures are not reported. Only service role callers may publish.
// @tags Events
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer token with the service role"
// @Param Eventhub-Request-ID header string false "User provided request ID to match against logs"
// @Param hubName path string true "Event hub: webhook or transcript"
// @Param event body events.Event true "Event to publish"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Eventhub-Request-ID "Request ID to match against logs"
// @Router /v1/events/{hubName} [post]
func (h APIRestEventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	hub, err := h.lookupHub(r)
	if err != nil {
		msg := "Unknown hub"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		msg := "Not authenticated"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}
	if identity.Role != auth.RoleServiceRole {
		msg := "Not permitted"
		detail := fmt.Sprintf("role '%s' can not publish", identity.Role)
		log.WithFields(localLogTags).Errorf("%s: %s", msg, detail)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, detail)
		return
	}

	// Parse the event
	var event events.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		msg := "Unable to parse event"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&event); err != nil {
		msg := "Invalid event"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	// Stream control events are only generated by the stream itself
	if event.Type == events.EventTypeConnected || event.Type == events.EventTypeHeartbeat {
		msg := "Invalid event"
		detail := fmt.Sprintf("event type '%s' is reserved", event.Type)
		log.WithFields(localLogTags).Errorf("%s: %s", msg, detail)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail)
		return
	}

	// Relayed events come back to this instance through the relay receiver
	if h.relay != nil {
		err = h.relay.Publish(r.Context(), hub.Name(), event)
	} else {
		err = hub.Submit(r.Context(), event)
	}
	if err != nil {
		msg := fmt.Sprintf("Unable to publish event on %s", hub.Name())
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishHandler Wrapper around Publish
func (h APIRestEventHandler) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}
}
