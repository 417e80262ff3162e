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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestDestinationAdminHandler REST handler for managing destinations in the datasource
type APIRestDestinationAdminHandler struct {
	goutils.RestAPIHandler
	registry datasource.DestinationRegistry
	validate *validator.Validate
}

// GetAPIRestDestinationAdminHandler define APIRestDestinationAdminHandler
func GetAPIRestDestinationAdminHandler(
	registry datasource.DestinationRegistry, httpConfig *common.HTTPConfig,
) (APIRestDestinationAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "destination-admin",
	}
	return APIRestDestinationAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		validate:       datasource.GetValidator(),
	}, nil
}

// errorStatus map a datasource error to a HTTP status code
func errorStatus(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, datasource.ErrDestinationNotFound):
		return http.StatusNotFound
	case errors.Is(err, datasource.ErrDestinationExists):
		return http.StatusConflict
	case errors.Is(err, datasource.ErrInvalidDestinationID),
		errors.Is(err, datasource.ErrInvalidRoster),
		errors.As(err, &validationErrs):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// -----------------------------------------------------------------------

// APIRestReqNewDestination parameters for defining a new destination
type APIRestReqNewDestination struct {
	// ID the destination ID
	ID string `json:"id" validate:"required,destination_id"`
	// Type the destination type
	Type string `json:"type" validate:"required"`
	// Title the destination title
	Title string `json:"title,omitempty"`
}

// RegisterDestination godoc
// @Summary Define a new destination
// @Description Define a new destination in the datasource
// @tags Destination Admin
// @Accept json
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Param setting body APIRestReqNewDestination true "Destination parameters"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,409,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/admin/destination [post]
func (h APIRestDestinationAdminHandler) RegisterDestination(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params APIRestReqNewDestination
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse destination parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid destination parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record := datasource.DestinationRecord{ID: params.ID, Type: params.Type, Title: params.Title}
	if err := h.registry.RegisterDestination(r.Context(), record); err != nil {
		msg := fmt.Sprintf("Unable to define destination %s", params.ID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RegisterDestinationHandler Wrapper around RegisterDestination
func (h APIRestDestinationAdminHandler) RegisterDestinationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterDestination(w, r)
	}
}

// -----------------------------------------------------------------------

// UnregisterDestination godoc
// @Summary End a destination
// @Description Remove a destination from the datasource. Listeners are told the destination ended.
// @tags Destination Admin
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Param destinationID path string true "Destination ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/admin/destination/{destinationID} [delete]
func (h APIRestDestinationAdminHandler) UnregisterDestination(
	w http.ResponseWriter, r *http.Request,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	destinationID := mux.Vars(r)["destinationID"]
	if err := h.registry.UnregisterDestination(r.Context(), destinationID); err != nil {
		msg := fmt.Sprintf("Unable to end destination %s", destinationID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnregisterDestinationHandler Wrapper around UnregisterDestination
func (h APIRestDestinationAdminHandler) UnregisterDestinationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnregisterDestination(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqRoster a full roster of a destination
type APIRestReqRoster struct {
	// Full the complete roster, keyed by member ID
	Full map[string]datasource.RosterEntry `json:"full" validate:"required"`
}

// PublishRoster godoc
// @Summary Publish a roster
// @Description Publish the complete current roster of a destination
// @tags Destination Admin
// @Accept json
// @Produce json
// @Param Rostercast-Request-ID header string false "User provided request ID to match against logs"
// @Param destinationID path string true "Destination ID"
// @Param roster body APIRestReqRoster true "Full roster"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Rostercast-Request-ID "Request ID to match against logs"
// @Router /v1/admin/destination/{destinationID}/roster [post]
func (h APIRestDestinationAdminHandler) PublishRoster(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	destinationID := mux.Vars(r)["destinationID"]
	var roster APIRestReqRoster
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		msg := "Unable to parse roster"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&roster); err != nil {
		msg := "Invalid roster"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.registry.PublishRoster(r.Context(), destinationID, roster.Full); err != nil {
		msg := fmt.Sprintf("Unable to publish roster of %s", destinationID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorStatus(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishRosterHandler Wrapper around PublishRoster
func (h APIRestDestinationAdminHandler) PublishRosterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishRoster(w, r)
	}
}
