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
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/liveprompt/eventhub/auth"
	"github.com/liveprompt/eventhub/common"
	"github.com/liveprompt/eventhub/core"
	"github.com/liveprompt/eventhub/events"
)

// EventHandlerParams dependencies of APIRestEventHandler
type EventHandlerParams struct {
	// HTTPConfig is the HTTP API parameters
	HTTPConfig *common.HTTPConfig
	// StreamConfig is the event stream parameters
	StreamConfig common.StreamConfig
	// Hubs are the event hubs served, by name
	Hubs map[string]*events.Hub
	// Authenticator verifies the bearer tokens
	Authenticator auth.Authenticator
	// Relay if set, published events go through the relay instead of straight to the hub
	Relay events.RelayPublisher
	// NATSClient if set, the relay NATS client. Used for readiness.
	NATSClient *core.NatsClient
}

// APIRestEventHandler REST handler for event streams and publishing
type APIRestEventHandler struct {
	goutils.RestAPIHandler
	hubs              map[string]*events.Hub
	authenticator     auth.Authenticator
	relay             events.RelayPublisher
	natsClient        *core.NatsClient
	heartbeatInterval time.Duration
	sinkBacklog       int
	validate          *validator.Validate
	baseContext       context.Context
	wg                *sync.WaitGroup
}

// GetAPIRestEventHandler define APIRestEventHandler
//
// Open streams end when baseContext ends.
func GetAPIRestEventHandler(
	baseContext context.Context, params EventHandlerParams, wg *sync.WaitGroup,
) (APIRestEventHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "event-stream",
	}
	if params.HTTPConfig == nil {
		return APIRestEventHandler{}, fmt.Errorf("HTTP config is required")
	}
	if params.Authenticator == nil {
		return APIRestEventHandler{}, fmt.Errorf("authenticator is required")
	}
	if len(params.Hubs) == 0 {
		return APIRestEventHandler{}, fmt.Errorf("at least one hub is required")
	}
	if params.StreamConfig.HeartbeatInterval < 1 || params.StreamConfig.SinkBacklog < 1 {
		return APIRestEventHandler{}, fmt.Errorf(
			"invalid stream config %+v", params.StreamConfig,
		)
	}
	return APIRestEventHandler{
		RestAPIHandler:    defineRestAPIHandler(logTags, params.HTTPConfig),
		hubs:              params.Hubs,
		authenticator:     params.Authenticator,
		relay:             params.Relay,
		natsClient:        params.NATSClient,
		heartbeatInterval: time.Second * time.Duration(params.StreamConfig.HeartbeatInterval),
		sinkBacklog:       params.StreamConfig.SinkBacklog,
		validate:          validator.New(),
		baseContext:       baseContext,
		wg:                wg,
	}, nil
}

// Write logging support
func (h APIRestEventHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// lookupHub find the hub named in the request path
func (h APIRestEventHandler) lookupHub(r *http.Request) (*events.Hub, error) {
	hubName, ok := mux.Vars(r)["hubName"]
	if !ok {
		return nil, fmt.Errorf("no hub name provided")
	}
	hub, ok := h.hubs[hubName]
	if !ok {
		return nil, fmt.Errorf("unknown hub '%s'", hubName)
	}
	return hub, nil
}

// authenticate verify the request bearer token
func (h APIRestEventHandler) authenticate(r *http.Request) (auth.Identity, error) {
	token, err := auth.BearerToken(r)
	if err != nil {
		return auth.Identity{}, err
	}
	return h.authenticator.Authenticate(token)
}

// =======================================================================
// Event stream

// streamParams the query parameters of a stream request
type streamParams struct {
	sessionID string
	since     int64
}

// readStreamParams parse and check the stream request query parameters
func (h APIRestEventHandler) readStreamParams(
	r *http.Request, identity auth.Identity,
) (streamParams, int, error) {
	var params streamParams
	sessionID, _, err := queryParam(r, "sessionId")
	if err != nil {
		return params, http.StatusBadRequest, err
	}
	params.sessionID = sessionID
	userID, ok, err := queryParam(r, "userId")
	if err != nil {
		return params, http.StatusBadRequest, err
	}
	if ok && userID != identity.UserID {
		return params, http.StatusForbidden, fmt.Errorf(
			"stream for user '%s' requested by '%s'", userID, identity.UserID,
		)
	}
	since, ok, err := queryParam(r, "since")
	if err != nil {
		return params, http.StatusBadRequest, err
	}
	if ok {
		parsed, err := strconv.ParseInt(since, 10, 64)
		if err != nil || parsed < 0 {
			return params, http.StatusBadRequest, fmt.Errorf("invalid since '%s'", since)
		}
		params.since = parsed
	}
	return params, http.StatusOK, nil
}

// Stream godoc
// @Summary Open an event stream
// @Description Open a long lived server sent event stream of the events published on a hub,
// limited to the caller's user and optionally one session. The stream begins with a
// "connected" event, then for buffered hubs the recent events of the session, then live
// events and periodic "heartbeat" events.
// @tags Events
// @Produce text/event-stream
// @Param Authorization header string true "Bearer token"
// @Param hubName path string true "Event hub: webhook or transcript"
// @Param sessionId query string false "Session to watch. Absent or 'all' watches every session"
// @Param userId query string false "Must match the token subject if given"
// @Param since query integer false "Only replay buffered events after this one. Use the bufferedAt of the last event received, not a wall clock time"
// @Success 200 {object} events.Event "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events/{hubName}/stream [get]
func (h APIRestEventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(respCode int, msg string, cause error) {
		log.WithError(cause).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, cause.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	hub, err := h.lookupHub(r)
	if err != nil {
		replyError(http.StatusNotFound, "Unknown hub", err)
		return
	}
	identity, err := h.authenticate(r)
	if err != nil {
		replyError(http.StatusUnauthorized, "Not authenticated", err)
		return
	}
	if identity.UserID == "" {
		replyError(
			http.StatusForbidden, "Not permitted", fmt.Errorf("token has no user to stream for"),
		)
		return
	}
	params, respCode, err := h.readStreamParams(r, identity)
	if err != nil {
		replyError(respCode, "Invalid stream request", err)
		return
	}
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		replyError(
			http.StatusInternalServerError,
			"Streaming not supported",
			fmt.Errorf("response writer can't flush"),
		)
		return
	}
	sink, err := events.NewStreamSink(h.sinkBacklog)
	if err != nil {
		replyError(http.StatusInternalServerError, "Unable to define stream sink", err)
		return
	}

	// --------------------------------------------------------------------------
	// Start operation

	key := events.NewConnectionKey(identity.UserID, params.sessionID)
	logTags := log.Fields{"hub": hub.Name(), "connection": key.String()}
	for k, v := range localLogTags {
		logTags[k] = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event events.Event) error {
		msg, err := events.FormatSSE(event)
		if err != nil {
			return err
		}
		written, err := w.Write(msg)
		writeFlusher.Flush()
		if err != nil {
			return err
		}
		log.WithFields(logTags).Debugf("Written %dB", written)
		return nil
	}

	if err := writeEvent(events.DefineConnectedEvent(key)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send connected event")
		return
	}

	hub.Registry().Register(key, sink)
	defer hub.Registry().Deregister(key)
	log.WithFields(logTags).Info("Stream opened")

	// Catch-up for a single session of a buffered hub. Live events already queued
	// which were part of the replay are skipped.
	var replayedUntil int64
	if hub.Buffered() && !key.AllSessions() {
		for _, event := range hub.Replay(key.SessionID, params.since) {
			if !key.Matches(event) {
				continue
			}
			if err := writeEvent(event); err != nil {
				log.WithError(err).WithFields(logTags).Info("Stream closed during replay")
				return
			}
			replayedUntil = event.BufferedAt
		}
	}

	heartbeat, err := common.GetIntervalTimerInstance(key.String(), r.Context(), h.wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat timer")
		return
	}
	if err := heartbeat.Start(h.heartbeatInterval, func() error {
		if err := sink.Send(events.DefineHeartbeatEvent()); err != nil {
			hub.Registry().Deregister(key)
			return err
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat timer")
		return
	}
	defer func() {
		if err := heartbeat.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop heartbeat timer")
		}
	}()

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating stream on request end")
			return
		case event, ok := <-sink.Events():
			if !ok {
				log.WithFields(logTags).Info("Terminating stream after sink removal")
				return
			}
			if replayedUntil > 0 && event.BufferedAt > 0 && event.BufferedAt <= replayedUntil {
				continue
			}
			if err := writeEvent(event); err != nil {
				log.WithError(err).WithFields(logTags).Info("Terminating stream on write failure")
				return
			}
		}
	}
}

// StreamHandler Wrapper around Stream
func (h APIRestEventHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// =======================================================================
// Routes

// DefineRoutes attach the event API routes under a parent router
func (h APIRestEventHandler) DefineRoutes(parent *mux.Router) {
	hubRouter := RegisterPathPrefix(
		parent, "/v1/events/{hubName}", MethodHandlers{
			"post": h.PublishHandler(),
		},
	)
	_ = RegisterPathPrefix(hubRouter, "/stream", MethodHandlers{
		"get": h.StreamHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(parent, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(parent, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
}
