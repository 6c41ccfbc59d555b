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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/liveprompt/eventhub/auth"
	"github.com/liveprompt/eventhub/common"
	"github.com/liveprompt/eventhub/events"
	"github.com/stretchr/testify/assert"
)

const testJWTSecret = "ut-secret-0123456789abcdef"

// testHarness an event API served by a test HTTP server
type testHarness struct {
	handler    APIRestEventHandler
	router     *mux.Router
	server     *httptest.Server
	webhook    *events.Hub
	transcript *events.Hub
}

func defineTestHarness(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	heartbeatSec int,
	relay events.RelayPublisher,
) testHarness {
	assert := assert.New(t)

	webhook, err := events.NewHub(
		ctxt, events.HubWebhook, events.NewRegistry(events.HubWebhook, nil), nil, 16,
	)
	assert.Nil(err)
	assert.Nil(webhook.Start(wg))
	buffer, err := events.NewSessionBuffer(events.HubTranscript, 50, 16, nil)
	assert.Nil(err)
	transcript, err := events.NewHub(
		ctxt, events.HubTranscript, events.NewRegistry(events.HubTranscript, nil), buffer, 16,
	)
	assert.Nil(err)
	assert.Nil(transcript.Start(wg))

	authenticator, err := auth.GetJWTAuthenticator(testJWTSecret, "authenticated")
	assert.Nil(err)

	handler, err := GetAPIRestEventHandler(ctxt, EventHandlerParams{
		HTTPConfig: &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Eventhub-Request-ID"},
		},
		StreamConfig: common.StreamConfig{
			HeartbeatInterval: heartbeatSec, SinkBacklog: 8, SubmitBuffer: 16,
		},
		Hubs: map[string]*events.Hub{
			events.HubWebhook: webhook, events.HubTranscript: transcript,
		},
		Authenticator: authenticator,
		Relay:         relay,
	}, wg)
	assert.Nil(err)

	router := mux.NewRouter()
	handler.DefineRoutes(RegisterPathPrefix(router, "/", nil))

	return testHarness{
		handler:    handler,
		router:     router,
		server:     httptest.NewServer(router),
		webhook:    webhook,
		transcript: transcript,
	}
}

func issueTestToken(t *testing.T, subject, role string) string {
	token, err := auth.IssueToken(
		testJWTSecret, subject, role, []string{"authenticated"}, time.Minute,
	)
	assert.Nil(t, err)
	return token
}

// issueServiceToken a backend key: service role, no subject and no audience
func issueServiceToken(t *testing.T) string {
	token, err := auth.IssueToken(testJWTSecret, "", auth.RoleServiceRole, nil, time.Minute)
	assert.Nil(t, err)
	return token
}

// openTestStream open an event stream, returning the received events
func openTestStream(
	ctxt context.Context, url, token string,
) (*http.Response, <-chan events.Event, error) {
	req, err := http.NewRequestWithContext(ctxt, "GET", url, nil)
	if err != nil {
		return nil, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	received := make(chan events.Event, 16)
	if resp.StatusCode != http.StatusOK {
		close(received)
		return resp, received, nil
	}
	go func() {
		defer close(received)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				return
			}
			received <- event
		}
	}()
	return resp, received, nil
}

func nextTestEvent(t *testing.T, received <-chan events.Event) events.Event {
	select {
	case event, ok := <-received:
		assert.True(t, ok, "stream ended")
		return event
	case <-time.After(time.Second * 3):
		assert.Fail(t, "no event received")
		return events.Event{}
	}
}

func TestStreamRejections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 30, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	userToken := issueTestToken(t, "u1", "authenticated")
	baseURL := fmt.Sprintf("%s/v1/events/%s/stream", uut.server.URL, events.HubWebhook)

	type testCase struct {
		url      string
		token    string
		expected int
	}
	cases := []testCase{
		// Case 0: no token
		{url: baseURL, token: "", expected: http.StatusUnauthorized},
		// Case 1: bad token
		{url: baseURL, token: "not-a-jwt", expected: http.StatusUnauthorized},
		// Case 2: token signed with another secret
		{
			url: baseURL,
			token: func() string {
				token, err := auth.IssueToken(
					"another-secret-0123456789", "u1", "", []string{"authenticated"}, time.Minute,
				)
				assert.Nil(err)
				return token
			}(),
			expected: http.StatusUnauthorized,
		},
		// Case 3: stream for another user
		{url: baseURL + "?userId=u2", token: userToken, expected: http.StatusForbidden},
		// Case 4: unknown hub
		{
			url:      fmt.Sprintf("%s/v1/events/unknown/stream", uut.server.URL),
			token:    userToken,
			expected: http.StatusNotFound,
		},
		// Case 5: invalid since
		{url: baseURL + "?since=yesterday", token: userToken, expected: http.StatusBadRequest},
		{url: baseURL + "?since=-5", token: userToken, expected: http.StatusBadRequest},
		// Case 6: repeated session
		{
			url: baseURL + "?sessionId=s1&sessionId=s2", token: userToken, expected: http.StatusBadRequest,
		},
	}

	for idx, oneCase := range cases {
		resp, _, err := openTestStream(utCtxt, oneCase.url, oneCase.token)
		assert.Nil(err, "case %d", idx)
		assert.Equal(oneCase.expected, resp.StatusCode, "case %d", idx)
		assert.Nil(resp.Body.Close())
	}
	assert.Equal(0, uut.webhook.Registry().Count())
}

func TestStreamLiveEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 30, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	token := issueTestToken(t, "u1", "authenticated")
	clientCtxt, clientCancel := context.WithCancel(utCtxt)
	defer clientCancel()

	resp, received, err := openTestStream(
		clientCtxt,
		fmt.Sprintf(
			"%s/v1/events/%s/stream?sessionId=s1&userId=u1", uut.server.URL, events.HubWebhook,
		),
		token,
	)
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal("no-cache", resp.Header.Get("Cache-Control"))

	// Case 0: connected event first
	{
		event := nextTestEvent(t, received)
		assert.Equal(events.EventTypeConnected, event.Type)
		connectionID, ok := event.Data["connectionId"].(string)
		assert.True(ok)
		assert.True(strings.HasPrefix(connectionID, "u1-s1-"))
	}
	assert.Eventually(func() bool {
		return uut.webhook.Registry().Count() == 1
	}, time.Second, time.Millisecond*10)

	// Case 1: out of scope events are skipped
	{
		assert.Equal(0, uut.webhook.Broadcast(events.Event{Type: "bot.status", SessionID: "s2"}))
		assert.Equal(0, uut.webhook.Broadcast(events.Event{Type: "bot.status", UserID: "u2"}))
		assert.Equal(1, uut.webhook.Broadcast(events.Event{
			Type: "bot.status", SessionID: "s1", UserID: "u1",
			Data: map[string]interface{}{"status": "in_call"},
		}))
		event := nextTestEvent(t, received)
		assert.Equal("bot.status", event.Type)
		assert.Equal("s1", event.SessionID)
		assert.Equal("in_call", event.Data["status"])
		assert.False(event.Timestamp.IsZero())
	}

	// Case 2: events without a scope reach everyone
	{
		assert.Nil(uut.webhook.Submit(utCtxt, events.Event{Type: "announce"}))
		event := nextTestEvent(t, received)
		assert.Equal("announce", event.Type)
	}

	// Case 3: a bufferedAt supplied by the publisher does not hold back delivery
	{
		assert.Equal(1, uut.webhook.Broadcast(events.Event{
			Type: "bot.status", UserID: "u1", BufferedAt: -1,
		}))
		event := nextTestEvent(t, received)
		assert.Equal("bot.status", event.Type)
		assert.Equal(int64(0), event.BufferedAt)
	}

	// Case 4: client disconnect deregisters the stream
	clientCancel()
	assert.Nil(resp.Body.Close())
	assert.Eventually(func() bool {
		return uut.webhook.Registry().Count() == 0
	}, time.Second*2, time.Millisecond*10)
}

func TestStreamAllSessions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 30, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	token := issueTestToken(t, "u1", "authenticated")
	clientCtxt, clientCancel := context.WithCancel(utCtxt)
	defer clientCancel()

	resp, received, err := openTestStream(
		clientCtxt,
		fmt.Sprintf("%s/v1/events/%s/stream?sessionId=all", uut.server.URL, events.HubTranscript),
		token,
	)
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer func() {
		_ = resp.Body.Close()
	}()

	event := nextTestEvent(t, received)
	assert.Equal(events.EventTypeConnected, event.Type)
	assert.True(strings.HasPrefix(event.Data["connectionId"].(string), "u1-all-"))
	assert.Eventually(func() bool {
		return uut.transcript.Registry().Count() == 1
	}, time.Second, time.Millisecond*10)

	// Every session of the user is delivered
	for _, sessionID := range []string{"s1", "s2", "s3"} {
		uut.transcript.Broadcast(events.Event{Type: "transcript", SessionID: sessionID, UserID: "u1"})
	}
	for _, sessionID := range []string{"s1", "s2", "s3"} {
		event := nextTestEvent(t, received)
		assert.Equal(sessionID, event.SessionID)
	}
}

func TestStreamTranscriptCatchUp(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 30, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	token := issueTestToken(t, "u1", "authenticated")
	session := uuid.NewString()

	// Buffer some chunks before anyone is listening
	for idx := 0; idx < 3; idx++ {
		uut.transcript.Broadcast(events.Event{
			Type:      "transcript",
			SessionID: session,
			UserID:    "u1",
			Data:      map[string]interface{}{"idx": idx},
		})
		time.Sleep(time.Millisecond * 2)
	}
	buffered := uut.transcript.Replay(session, 0)
	assert.Len(buffered, 3)

	// Case 0: full replay
	{
		clientCtxt, clientCancel := context.WithCancel(utCtxt)
		resp, received, err := openTestStream(
			clientCtxt,
			fmt.Sprintf(
				"%s/v1/events/%s/stream?sessionId=%s", uut.server.URL, events.HubTranscript, session,
			),
			token,
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal(events.EventTypeConnected, nextTestEvent(t, received).Type)
		for idx := 0; idx < 3; idx++ {
			event := nextTestEvent(t, received)
			assert.Equal("transcript", event.Type)
			assert.EqualValues(idx, event.Data["idx"])
			assert.Equal(buffered[idx].BufferedAt, event.BufferedAt)
		}
		clientCancel()
		assert.Nil(resp.Body.Close())
	}

	// Case 1: replay after a point, then live
	{
		clientCtxt, clientCancel := context.WithCancel(utCtxt)
		defer clientCancel()
		resp, received, err := openTestStream(
			clientCtxt,
			fmt.Sprintf(
				"%s/v1/events/%s/stream?sessionId=%s&since=%d",
				uut.server.URL, events.HubTranscript, session, buffered[0].BufferedAt,
			),
			token,
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		defer func() {
			_ = resp.Body.Close()
		}()
		assert.Equal(events.EventTypeConnected, nextTestEvent(t, received).Type)
		for idx := 1; idx < 3; idx++ {
			event := nextTestEvent(t, received)
			assert.EqualValues(idx, event.Data["idx"])
		}
		assert.Eventually(func() bool {
			return uut.transcript.Registry().Count() == 1
		}, time.Second, time.Millisecond*10)
		time.Sleep(time.Millisecond * 2)

		assert.Equal(1, uut.transcript.Broadcast(events.Event{
			Type:      "transcript",
			SessionID: session,
			UserID:    "u1",
			Data:      map[string]interface{}{"idx": 3},
		}))
		event := nextTestEvent(t, received)
		assert.EqualValues(3, event.Data["idx"])
	}
}

func TestStreamHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 1, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	token := issueTestToken(t, "u1", "authenticated")
	clientCtxt, clientCancel := context.WithCancel(utCtxt)
	defer clientCancel()

	resp, received, err := openTestStream(
		clientCtxt,
		fmt.Sprintf("%s/v1/events/%s/stream", uut.server.URL, events.HubWebhook),
		token,
	)
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(events.EventTypeConnected, nextTestEvent(t, received).Type)
	assert.Equal(events.EventTypeHeartbeat, nextTestEvent(t, received).Type)
	assert.Equal(events.EventTypeHeartbeat, nextTestEvent(t, received).Type)
}

func TestStreamServerStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	uut := defineTestHarness(t, utCtxt, &wg, 30, nil)
	defer uut.server.Close()
	defer utCtxtCancel()

	token := issueTestToken(t, "u1", "authenticated")
	resp, received, err := openTestStream(
		context.Background(),
		fmt.Sprintf("%s/v1/events/%s/stream", uut.server.URL, events.HubWebhook),
		token,
	)
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(events.EventTypeConnected, nextTestEvent(t, received).Type)

	// Stopping the server ends the stream
	utCtxtCancel()
	select {
	case _, ok := <-received:
		assert.False(ok)
	case <-time.After(time.Second * 3):
		assert.Fail("stream did not end")
	}
	assert.Eventually(func() bool {
		return uut.webhook.Registry().Count() == 0
	}, time.Second, time.Millisecond*10)
}
