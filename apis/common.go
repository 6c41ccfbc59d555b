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
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/liveprompt/eventhub/common"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the REST handler base for a component
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// queryParam read an optional single valued query parameter
func queryParam(r *http.Request, name string) (string, bool, error) {
	values, ok := r.URL.Query()[name]
	if !ok {
		return "", false, nil
	}
	if len(values) != 1 {
		return "", true, fmt.Errorf("multiple values for query parameter %s", name)
	}
	return values[0], true, nil
}
