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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/alwitt/rostercast/membership"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ErrSubscriberTooSlow the client did not keep up with the membership updates
var ErrSubscriberTooSlow = errors.New("membership subscriber too slow")

// APIRestMembershipHandler REST handler exposing the membership cache
type APIRestMembershipHandler struct {
	goutils.RestAPIHandler
	cache        membership.MembershipCache
	ready        ReadinessCheck
	baseContext  context.Context
	streamBuffer int
}

// GetAPIRestMembershipHandler define APIRestMembershipHandler
//
// streamBuffer is the number of undelivered snapshots a streaming client may fall
// behind by before its stream is terminated.
func GetAPIRestMembershipHandler(
	baseContext context.Context,
	cache membership.MembershipCache,
	httpConfig *common.HTTPConfig,
	ready ReadinessCheck,
	streamBuffer int,
) (APIRestMembershipHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "membership",
	}
	if streamBuffer < 1 {
		return APIRestMembershipHandler{}, fmt.Errorf("stream buffer must be at least 1")
	}
	return APIRestMembershipHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		cache:          cache,
		ready:          ready,
		baseContext:    baseContext,
		streamBuffer:   streamBuffer,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespDestinationList response listing the cached destinations
type APIRestRespDestinationList struct {
	goutils.RestAPIBaseResponse
	// Destinations the cached destinations
	Destinations []membership.DestinationStatus `json:"destinations"`
}

// ListDestinations godoc
// @Summary List cached destinations
// @Description List the destinations currently tracked by the membership cache
// @tags Membership
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespDestinationList "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/destination [get]
func (h APIRestMembershipHandler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	destinations, err := h.cache.ListDestinations(r.Context())
	if err != nil {
		msg := "Unable to list destinations"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespDestinationList{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Destinations:        destinations,
	}
}

// ListDestinationsHandler Wrapper around ListDestinations
func (h APIRestMembershipHandler) ListDestinationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListDestinations(w, r)
	}
}

// -----------------------------------------------------------------------

// ReleaseDestination godoc
// @Summary Release a cached destination
// @Description Stop tracking a destination. Its active membership streams are completed.
// @tags Membership
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Param destinationID path string true "Destination ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/destination/{destinationID} [delete]
func (h APIRestMembershipHandler) ReleaseDestination(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	destinationID := mux.Vars(r)["destinationID"]
	if err := h.cache.Release(r.Context(), destinationID); err != nil {
		msg := fmt.Sprintf("Unable to release destination %s", destinationID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, membership.ErrDestinationNotCached) {
			respCode = http.StatusNotFound
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReleaseDestinationHandler Wrapper around ReleaseDestination
func (h APIRestMembershipHandler) ReleaseDestinationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReleaseDestination(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespMembership one membership snapshot of a stream
type APIRestRespMembership struct {
	goutils.RestAPIBaseResponse
	// Membership the snapshot
	Membership *membership.Membership `json:"membership,omitempty"`
}

// StreamMembers godoc
// @Summary Stream the membership of a destination
// @Description Establish a long lived membership stream for a destination. One JSON object is
// sent per line: the latest snapshot first, then every later snapshot. The stream closes on
// client disconnect, server shutdown, destination release, or destination error.
// @tags Membership
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Param destinationID path string true "Destination ID"
// @Param destination_type query string false "Destination type (DEFAULT: meeting)"
// @Success 200 {object} APIRestRespMembership "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/destination/{destinationID}/members [get]
func (h APIRestMembershipHandler) StreamMembers(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/x-ndjson")

	// --------------------------------------------------------------------------
	// Read operation parameters
	destinationID, ok := mux.Vars(r)["destinationID"]
	if !ok || destinationID == "" {
		msg := "No destination ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	destinationType := membership.DestinationTypeMeeting
	if t, ok := r.URL.Query()["destination_type"]; ok {
		if len(t) != 1 || t[0] == "" {
			msg := "Invalid destination_type"
			log.WithFields(localLogTagsInitial).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		destinationType = membership.DestinationType(t[0])
	}

	logTags := localLogTagsInitial
	logTags["destination"] = destinationID

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	// --------------------------------------------------------------------------
	// Start operation

	stream, err := h.cache.GetMembersFromDestination(destinationID, destinationType)
	if err != nil {
		msg := "Unable to fetch membership stream"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// Observer callbacks run on the cache event loop, so they never block
	snapshots := make(chan membership.Membership, h.streamBuffer)
	streamErr := make(chan error, 1)
	streamDone := make(chan bool, 1)
	observer := membership.MembershipObserver{
		OnUpdate: func(snapshot membership.Membership) {
			select {
			case snapshots <- snapshot:
			default:
				select {
				case streamErr <- ErrSubscriberTooSlow:
				default:
				}
			}
		},
		OnError: func(err error) {
			select {
			case streamErr <- err:
			default:
			}
		},
		OnComplete: func() {
			streamDone <- true
		},
	}
	subscription, err := stream.Subscribe(r.Context(), observer)
	if err != nil {
		msg := "Unable to subscribe to membership stream"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := subscription.Unsubscribe(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
		}
	}()
	log.WithFields(logTags).Info("Starting membership stream")

	// Process events
	complete := false
	onError := func(err error, msg string) {
		complete = true
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
	sendSnapshot := func(snapshot membership.Membership) {
		resp := APIRestRespMembership{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Membership:          &snapshot,
		}
		serialize, err := json.Marshal(&resp)
		if err != nil {
			onError(err, "Failed to serialize membership for transmission")
			return
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			onError(err, "Failed to transmit membership")
			return
		}
		log.WithFields(logTags).Debugf("Written %dB", written)
	}
	// Snapshots emitted before a terminal event are sent first
	drainSnapshots := func() {
		for !complete {
			select {
			case snapshot := <-snapshots:
				sendSnapshot(snapshot)
			default:
				return
			}
		}
	}
	for !complete {
		select {
		case <-h.baseContext.Done():
			complete = true
			log.WithFields(logTags).Info("Terminating membership stream on server stop")
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		case <-r.Context().Done():
			complete = true
			log.WithFields(logTags).Info("Terminating membership stream on request end")
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case err := <-streamErr:
			drainSnapshots()
			if complete {
				break
			}
			complete = true
			msg := "Membership stream failed"
			log.WithError(err).WithFields(logTags).Errorf(msg)
			respCode = http.StatusInternalServerError
			if errors.Is(err, datasource.ErrDestinationNotFound) ||
				errors.Is(err, datasource.ErrInvalidDestinationID) {
				respCode = http.StatusNotFound
			}
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		case <-streamDone:
			drainSnapshots()
			if complete {
				break
			}
			complete = true
			log.WithFields(logTags).Info("Membership stream completed")
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case snapshot := <-snapshots:
			sendSnapshot(snapshot)
		}
	}
	// On final flush
	writeFlusher.Flush()
}

// StreamMembersHandler Wrapper around StreamMembers
func (h APIRestMembershipHandler) StreamMembersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamMembers(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Membership
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestMembershipHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMembershipHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the datasource is usable
// @tags Membership
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestMembershipHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready != nil {
		if err := h.ready(); err != nil {
			msg := "not ready"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestMembershipHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
