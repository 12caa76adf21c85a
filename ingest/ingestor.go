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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/alwitt/kegwatch/aggregator"
	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Source transport an event arrived through
type Source string

const (
	SourceHTTP Source = "http"
	SourceNATS Source = "nats"
	SourceMQTT Source = "mqtt"
)

// EventKind kind of device event
type EventKind string

const (
	KindPour      EventKind = "pour"
	KindKegChange EventKind = "keg_change"
)

// Result outcome of ingesting one event
type Result struct {
	Kind    EventKind   `json:"kind"`
	Outcome string      `json:"outcome"`
	Tap     *common.Tap `json:"tap,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EventIngestor validates device events and forwards them to the tap state aggregator
type EventIngestor interface {
	// IngestPour validate and apply a pour notification
	IngestPour(ctxt context.Context, source Source, payload PourPayload) (aggregator.ApplyResult, error)
	// IngestKegChange validate and apply a keg change notification
	IngestKegChange(
		ctxt context.Context, source Source, payload KegChangePayload,
	) (common.TapStateDelta, error)
	// IngestRaw decode a JSON encoded event then ingest it
	IngestRaw(ctxt context.Context, source Source, kind EventKind, raw []byte) (Result, error)
	// ResolveTap find the tap an event refers to
	ResolveTap(tapID *int64, device DeviceRef) (int64, error)
}

// eventIngestorImpl implements EventIngestor
type eventIngestorImpl struct {
	common.Component
	taps         aggregator.TapStateAggregator
	bindings     map[string]int64
	deviceTZ     *time.Location
	validate     *validator.Validate
	applyTimeout time.Duration
}

// GetEventIngestor define a new event ingestor.
//
// bindings maps device codes to tap IDs. Timestamps without an offset are read in deviceTZ.
func GetEventIngestor(
	taps aggregator.TapStateAggregator,
	bindings map[string]int64,
	deviceTZ *time.Location,
	applyTimeout time.Duration,
) (EventIngestor, error) {
	logTags := log.Fields{"module": "ingest", "component": "event-ingestor"}
	if deviceTZ == nil {
		return nil, fmt.Errorf("device timezone not set")
	}
	lclBindings := make(map[string]int64, len(bindings))
	for code, tapID := range bindings {
		lclBindings[code] = tapID
	}
	return &eventIngestorImpl{
		Component:    common.Component{LogTags: logTags},
		taps:         taps,
		bindings:     lclBindings,
		deviceTZ:     deviceTZ,
		validate:     validator.New(),
		applyTimeout: applyTimeout,
	}, nil
}

// ResolveTap find the tap an event refers to. An explicit tap ID wins over a device code.
func (i *eventIngestorImpl) ResolveTap(tapID *int64, device DeviceRef) (int64, error) {
	if tapID != nil {
		return *tapID, nil
	}
	if device == "" {
		return 0, fmt.Errorf("%w: either tapId or deviceId must be provided", common.ErrInvalidEvent)
	}
	resolved, ok := i.bindings[string(device)]
	if !ok {
		return 0, fmt.Errorf("%w: no tap bound to device '%s'", common.ErrUnknownTap, device)
	}
	return resolved, nil
}

func (i *eventIngestorImpl) record(source Source, kind EventKind, outcome string) {
	metrics.EventsIngested.WithLabelValues(string(source), string(kind), outcome).Inc()
}

func (i *eventIngestorImpl) applyContext(ctxt context.Context) (context.Context, context.CancelFunc) {
	if i.applyTimeout > 0 {
		return context.WithTimeout(ctxt, i.applyTimeout)
	}
	return context.WithCancel(ctxt)
}

// IngestPour validate and apply a pour notification
func (i *eventIngestorImpl) IngestPour(
	ctxt context.Context, source Source, payload PourPayload,
) (aggregator.ApplyResult, error) {
	event, err := i.convertPour(payload)
	if err != nil {
		i.record(source, KindPour, "rejected")
		log.WithError(err).WithFields(i.LogTags).WithField("source", source).Warn("Rejected pour")
		return aggregator.ApplyResult{}, err
	}
	useCtxt, cancel := i.applyContext(ctxt)
	defer cancel()
	result, err := i.taps.ApplyPourEvent(useCtxt, event)
	if err != nil {
		i.record(source, KindPour, "failed")
		return aggregator.ApplyResult{}, err
	}
	i.record(source, KindPour, string(result.Outcome))
	log.WithFields(i.LogTags).WithField("source", source).Debugf(
		"Tap %d pour %dml %s", event.TapID, event.PourVolumeMl, result.Outcome,
	)
	return result, nil
}

func (i *eventIngestorImpl) convertPour(payload PourPayload) (common.PourEvent, error) {
	payload.normalize()
	if err := i.validate.Struct(&payload); err != nil {
		return common.PourEvent{}, fmt.Errorf("%w: %s", common.ErrInvalidEvent, err.Error())
	}
	tapID, err := i.ResolveTap(payload.TapID, payload.DeviceID)
	if err != nil {
		return common.PourEvent{}, err
	}
	// Flow meters report fractional volumes
	volume := int64(math.Round(*payload.PourVolumeMl))
	if volume <= 0 {
		return common.PourEvent{}, fmt.Errorf(
			"%w: pour volume %f rounds to nothing", common.ErrInvalidEvent, *payload.PourVolumeMl,
		)
	}
	ts, err := common.ParseDeviceDatetime(payload.Datetime, i.deviceTZ)
	if err != nil {
		return common.PourEvent{}, err
	}
	return common.PourEvent{
		TapID:          tapID,
		PourVolumeMl:   volume,
		Datetime:       ts,
		SequenceNumber: payload.SequenceNumber,
	}, nil
}

// IngestKegChange validate and apply a keg change notification
func (i *eventIngestorImpl) IngestKegChange(
	ctxt context.Context, source Source, payload KegChangePayload,
) (common.TapStateDelta, error) {
	change, err := i.convertKegChange(payload)
	if err != nil {
		i.record(source, KindKegChange, "rejected")
		log.WithError(err).WithFields(i.LogTags).WithField("source", source).Warn("Rejected keg change")
		return common.TapStateDelta{}, err
	}
	useCtxt, cancel := i.applyContext(ctxt)
	defer cancel()
	delta, err := i.taps.ApplyKegChange(useCtxt, change)
	if err != nil {
		i.record(source, KindKegChange, "failed")
		return common.TapStateDelta{}, err
	}
	i.record(source, KindKegChange, string(aggregator.OutcomeApplied))
	return delta, nil
}

func (i *eventIngestorImpl) convertKegChange(payload KegChangePayload) (common.KegChange, error) {
	if err := i.validate.Struct(&payload); err != nil {
		return common.KegChange{}, fmt.Errorf("%w: %s", common.ErrInvalidEvent, err.Error())
	}
	tapID, err := i.ResolveTap(payload.TapID, payload.DeviceID)
	if err != nil {
		return common.KegChange{}, err
	}
	capacity := int64(math.Round(*payload.KegCapacityMl))
	if capacity <= 0 {
		return common.KegChange{}, fmt.Errorf(
			"%w: keg capacity %f rounds to nothing", common.ErrInvalidEvent, *payload.KegCapacityMl,
		)
	}
	ts := time.Now().UTC()
	if payload.Datetime != "" {
		if ts, err = common.ParseDeviceDatetime(payload.Datetime, i.deviceTZ); err != nil {
			return common.KegChange{}, err
		}
	}
	return common.KegChange{
		TapID:         tapID,
		KegCapacityMl: capacity,
		BeerStyleID:   payload.BeerStyleID,
		Datetime:      ts,
	}, nil
}

// IngestRaw decode a JSON encoded event then ingest it
func (i *eventIngestorImpl) IngestRaw(
	ctxt context.Context, source Source, kind EventKind, raw []byte,
) (Result, error) {
	result := Result{Kind: kind}
	switch kind {
	case KindPour:
		var payload PourPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			i.record(source, kind, "rejected")
			err = fmt.Errorf("%w: %s", common.ErrInvalidEvent, err.Error())
			result.Error = err.Error()
			return result, err
		}
		applied, err := i.IngestPour(ctxt, source, payload)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Outcome = string(applied.Outcome)
		if applied.Delta != nil {
			tap := applied.Delta.Tap
			result.Tap = &tap
		}
	case KindKegChange:
		var payload KegChangePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			i.record(source, kind, "rejected")
			err = fmt.Errorf("%w: %s", common.ErrInvalidEvent, err.Error())
			result.Error = err.Error()
			return result, err
		}
		delta, err := i.IngestKegChange(ctxt, source, payload)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Outcome = string(aggregator.OutcomeApplied)
		result.Tap = &delta.Tap
	default:
		err := fmt.Errorf("%w: unknown event kind '%s'", common.ErrInvalidEvent, kind)
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}
