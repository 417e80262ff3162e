// Copyright 2022 The rostercast Authors
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

// Package apis implements the rostercast REST APIs
package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/rostercast/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
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

// defineRestAPIHandler define the base REST handler shared by the API groups
func defineRestAPIHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
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

// ReadinessCheck reports whether the backing services are usable
type ReadinessCheck func() error

// RegisterRoutes install the membership and destination admin APIs under a path prefix.
//
// adminHandler may be nil when the datasource can not be managed through this server.
func RegisterRoutes(
	router *mux.Router,
	pathPrefix string,
	membershipHandler APIRestMembershipHandler,
	adminHandler *APIRestDestinationAdminHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	withLogging := membershipHandler.LoggingMiddleware

	// Membership
	destinationRouter := RegisterPathPrefix(
		mainRouter, "/v1/destination", map[string]http.HandlerFunc{
			"get": withLogging(membershipHandler.ListDestinationsHandler()),
		},
	)
	perDestinationRouter := RegisterPathPrefix(
		destinationRouter, "/{destinationID}", map[string]http.HandlerFunc{
			"delete": withLogging(membershipHandler.ReleaseDestinationHandler()),
		},
	)
	_ = RegisterPathPrefix(perDestinationRouter, "/members", map[string]http.HandlerFunc{
		"get": withLogging(membershipHandler.StreamMembersHandler()),
	})

	// Destination admin
	if adminHandler != nil {
		adminRouter := RegisterPathPrefix(
			mainRouter, "/v1/admin/destination", map[string]http.HandlerFunc{
				"post": withLogging(adminHandler.RegisterDestinationHandler()),
			},
		)
		perAdminRouter := RegisterPathPrefix(
			adminRouter, "/{destinationID}", map[string]http.HandlerFunc{
				"delete": withLogging(adminHandler.UnregisterDestinationHandler()),
			},
		)
		_ = RegisterPathPrefix(perAdminRouter, "/roster", map[string]http.HandlerFunc{
			"post": withLogging(adminHandler.PublishRosterHandler()),
		})
	}

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": membershipHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": membershipHandler.ReadyHandler(),
	})

	return mainRouter
}
