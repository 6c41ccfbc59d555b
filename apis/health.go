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
	"net/http"

	"github.com/apex/log"
)

// Alive godoc
// @Summary For event REST API liveness check
// @Description Will return success to indicate event REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestEventHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEventHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For event REST API readiness check
// @Description Will return success if event REST API module is ready for use. Not ready
// while the event relay is configured but not connected.
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEventHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient == nil || h.natsClient.Connected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestEventHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
