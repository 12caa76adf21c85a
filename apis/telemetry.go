// Copyright 2025 The kegwatch Authors
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
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/kegwatch/aggregator"
	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/ingest"
	"github.com/alwitt/kegwatch/presentation"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestTelemetryHandler REST handler for device telemetry and tap snapshots
type APIRestTelemetryHandler struct {
	goutils.RestAPIHandler
	ingestor     ingest.EventIngestor
	taps         aggregator.TapStateAggregator
	webhookToken string
	view         presentation.Options
	ready        ReadinessCheck
}

// GetAPIRestTelemetryHandler define APIRestTelemetryHandler
//
// An empty webhookToken disables the device token check. view should carry the same low
// keg threshold the aggregator uses.
func GetAPIRestTelemetryHandler(
	ingestor ingest.EventIngestor,
	taps aggregator.TapStateAggregator,
	httpConfig *common.HTTPConfig,
	webhookToken string,
	view presentation.Options,
	ready ReadinessCheck,
) (APIRestTelemetryHandler, error) {
	if ingestor == nil || taps == nil {
		return APIRestTelemetryHandler{}, fmt.Errorf("telemetry handler requires an ingestor and aggregator")
	}
	if view.Location == nil {
		view.Location = time.UTC
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "telemetry",
	}
	return APIRestTelemetryHandler{
		RestAPIHandler: defineRestHandler(logTags, httpConfig),
		ingestor:       ingestor,
		taps:           taps,
		webhookToken:   webhookToken,
		view:           view,
		ready:          ready,
	}, nil
}

// describeError map a pipeline error onto a response code and message
func describeError(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrInvalidEvent):
		return http.StatusBadRequest, "Invalid event"
	case errors.Is(err, common.ErrUnknownTap):
		return http.StatusNotFound, "Unknown tap"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Event apply timed out"
	default:
		return http.StatusInternalServerError, "Event processing failed"
	}
}

// authorized check the device webhook token
func (h APIRestTelemetryHandler) authorized(r *http.Request) bool {
	if h.webhookToken == "" {
		return true
	}
	return readWebhookToken(r) == h.webhookToken
}

// =======================================================================
// Telemetry ingest

// APIRestRespIngest response to a telemetry event
type APIRestRespIngest struct {
	goutils.RestAPIBaseResponse
	// Outcome is "applied" or "duplicate_ignored"
	Outcome string `json:"outcome,omitempty"`
	// Tap is the tap state after the event
	Tap *common.Tap `json:"tap,omitempty"`
}

// -----------------------------------------------------------------------

// ReceivePour godoc
// @Summary Report a pour
// @Description Apply a pour measured by a tap flow meter
// @tags Telemetry
// @Accept json
// @Produce json
// @Param Kegwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param X-Webhook-Token header string false "Device webhook token"
// @Param pour body ingest.PourPayload true "Pour event"
// @Success 200 {object} APIRestRespIngest "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/telemetry/pour [post]
func (h APIRestTelemetryHandler) ReceivePour(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if !h.authorized(r) {
		msg := "Invalid webhook token"
		log.WithFields(localLogTags).Warn(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	var payload ingest.PourPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		msg := "Unable to parse pour event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	result, err := h.ingestor.IngestPour(r.Context(), ingest.SourceHTTP, payload)
	if err != nil {
		code, msg := describeError(err)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = code
		respBody = h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
		return
	}

	resp := APIRestRespIngest{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Outcome:             string(result.Outcome),
	}
	if result.Delta != nil {
		tap := result.Delta.Tap
		resp.Tap = &tap
	}
	respCode = http.StatusOK
	respBody = resp
}

// ReceivePourHandler Wrapper around ReceivePour
func (h APIRestTelemetryHandler) ReceivePourHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReceivePour(w, r)
	}
}

// -----------------------------------------------------------------------

// ReceiveKegChange godoc
// @Summary Report a keg change
// @Description Reset a tap with a freshly tapped keg
// @tags Telemetry
// @Accept json
// @Produce json
// @Param Kegwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param X-Webhook-Token header string false "Device webhook token"
// @Param change body ingest.KegChangePayload true "Keg change"
// @Success 200 {object} APIRestRespIngest "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/telemetry/keg-change [post]
func (h APIRestTelemetryHandler) ReceiveKegChange(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if !h.authorized(r) {
		msg := "Invalid webhook token"
		log.WithFields(localLogTags).Warn(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	var payload ingest.KegChangePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		msg := "Unable to parse keg change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	delta, err := h.ingestor.IngestKegChange(r.Context(), ingest.SourceHTTP, payload)
	if err != nil {
		code, msg := describeError(err)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = code
		respBody = h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespIngest{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Outcome:             string(aggregator.OutcomeApplied),
		Tap:                 &delta.Tap,
	}
}

// ReceiveKegChangeHandler Wrapper around ReceiveKegChange
func (h APIRestTelemetryHandler) ReceiveKegChangeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReceiveKegChange(w, r)
	}
}

// =======================================================================
// Tap snapshots

// APIRestRespTapInfo one tap with its display values
type APIRestRespTapInfo struct {
	// Tap is the authoritative tap state
	Tap common.Tap `json:"tap"`
	// View is the derived display values
	View presentation.TapView `json:"view"`
}

// APIRestRespOneTap response to a single tap query
type APIRestRespOneTap struct {
	goutils.RestAPIBaseResponse
	APIRestRespTapInfo
}

// APIRestRespAllTaps response to a tap listing
type APIRestRespAllTaps struct {
	goutils.RestAPIBaseResponse
	Taps []APIRestRespTapInfo `json:"taps"`
}

func (h APIRestTelemetryHandler) describeTap(tap common.Tap) APIRestRespTapInfo {
	return APIRestRespTapInfo{Tap: tap, View: presentation.Derive(tap, h.view)}
}

// -----------------------------------------------------------------------

// GetAllTaps godoc
// @Summary Query all taps
// @Description Snapshot of every known tap, ordered by tap ID
// @tags Taps
// @Produce json
// @Param Kegwatch-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllTaps "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/taps [get]
func (h APIRestTelemetryHandler) GetAllTaps(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	snapshots := h.taps.ListSnapshots()
	resp := APIRestRespAllTaps{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Taps:                make([]APIRestRespTapInfo, 0, len(snapshots)),
	}
	for _, tap := range snapshots {
		resp.Taps = append(resp.Taps, h.describeTap(tap))
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllTapsHandler Wrapper around GetAllTaps
func (h APIRestTelemetryHandler) GetAllTapsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllTaps(w, r)
	}
}

// -----------------------------------------------------------------------

// GetTap godoc
// @Summary Query one tap
// @Description Snapshot of one tap
// @tags Taps
// @Produce json
// @Param Kegwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param tapID path string true "Tap ID"
// @Success 200 {object} APIRestRespOneTap "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/taps/{tapID} [get]
func (h APIRestTelemetryHandler) GetTap(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	rawID, ok := vars["tapID"]
	if !ok {
		msg := "No tap ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	tapID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		msg := "Invalid tap ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	tap, err := h.taps.GetSnapshot(tapID)
	if err != nil {
		code, msg := describeError(err)
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to read tap %d", tapID)
		respCode = code
		respBody = h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneTap{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		APIRestRespTapInfo:  h.describeTap(tap),
	}
}

// GetTapHandler Wrapper around GetTap
func (h APIRestTelemetryHandler) GetTapHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetTap(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For telemetry REST API liveness check
// @Description Will return success to indicate telemetry REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestTelemetryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestTelemetryHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For telemetry REST API readiness check
// @Description Will return success if the telemetry pipeline is ready for use
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestTelemetryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
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
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestTelemetryHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
