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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/kegwatch/aggregator"
	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func defineIngestor(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (EventIngestor, aggregator.TapStateAggregator) {
	store, err := storage.GetInMemoryTapStore()
	assert.Nil(t, err)
	for _, tapID := range []int64{7, 8} {
		assert.Nil(t, store.PutTap(ctxt, storage.TapRecord{
			Tap: common.Tap{ID: tapID, KegCapacityMl: 20000, CurrentVolumeAvailableMl: 20000},
		}))
	}
	taps, err := aggregator.GetTapStateAggregator(
		ctxt, aggregator.Params{LowKegThreshold: 0.1, Workers: 2, TaskBuffer: 4}, store, nil,
	)
	assert.Nil(t, err)
	assert.Nil(t, taps.Start(wg))

	loc, err := common.LoadLocation("")
	assert.Nil(t, err)
	uut, err := GetEventIngestor(taps, map[string]int64{"ESP32-007": 7, "42": 8}, loc, time.Second)
	assert.Nil(t, err)
	return uut, taps
}

func i64(v int64) *int64 {
	return &v
}

func f64(v float64) *float64 {
	return &v
}

func TestIngestPour(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, taps := defineIngestor(t, ctxt, &wg)
	defer func() {
		assert.Nil(taps.Stop())
	}()

	// Case 0: by tap ID
	{
		result, err := uut.IngestPour(ctxt, SourceHTTP, PourPayload{
			TapID: i64(7), PourVolumeMl: f64(499.6), Datetime: "2025-08-15T17:58:18-03:00",
		})
		assert.Nil(err)
		assert.Equal(aggregator.OutcomeApplied, result.Outcome)
		assert.Equal(int64(19500), result.Delta.Tap.CurrentVolumeAvailableMl)
		assert.Equal(
			time.Date(2025, 8, 15, 20, 58, 18, 0, time.UTC), result.Delta.Tap.LastPourEvent.Datetime,
		)
	}

	// Case 1: by device code, with a truncated offset
	{
		result, err := uut.IngestPour(ctxt, SourceHTTP, PourPayload{
			DeviceID: "ESP32-007", PourVolumeMl: f64(500), Datetime: "2025-08-15T18:00:00-03:0",
		})
		assert.Nil(err)
		assert.Equal(int64(19000), result.Delta.Tap.CurrentVolumeAvailableMl)
	}

	// Case 2: legacy firmware fields, numeric device reference, local time
	{
		raw := []byte(`{"device_id": 42, "total_volume_ml": 250.2, "datetime": "2025-07-03 01:30:00"}`)
		result, err := uut.IngestRaw(ctxt, SourceMQTT, KindPour, raw)
		assert.Nil(err)
		assert.Equal(string(aggregator.OutcomeApplied), result.Outcome)
		assert.Equal(int64(8), result.Tap.ID)
		assert.Equal(int64(19750), result.Tap.CurrentVolumeAvailableMl)
		assert.Equal(time.Date(2025, 7, 3, 4, 30, 0, 0, time.UTC), result.Tap.LastPourEvent.Datetime)
	}

	// Case 3: sequence numbers flow through
	{
		payload := PourPayload{
			TapID: i64(8), PourVolumeMl: f64(100), Datetime: "2025-07-03T01:31:00Z",
		}
		seq := uint64(10)
		payload.SequenceNumber = &seq
		result, err := uut.IngestPour(ctxt, SourceNATS, payload)
		assert.Nil(err)
		assert.Equal(aggregator.OutcomeApplied, result.Outcome)
		result, err = uut.IngestPour(ctxt, SourceNATS, payload)
		assert.Nil(err)
		assert.Equal(aggregator.OutcomeDuplicateIgnored, result.Outcome)
		assert.Nil(result.Delta)
	}

	// Case 4: rejects
	{
		type testCase struct {
			payload  PourPayload
			expected error
		}
		cases := []testCase{
			{PourPayload{PourVolumeMl: f64(100), Datetime: "2025-07-03T01:31:00Z"}, common.ErrInvalidEvent},
			{PourPayload{TapID: i64(7), Datetime: "2025-07-03T01:31:00Z"}, common.ErrInvalidEvent},
			{PourPayload{TapID: i64(7), PourVolumeMl: f64(-5), Datetime: "2025-07-03T01:31:00Z"}, common.ErrInvalidEvent},
			{PourPayload{TapID: i64(7), PourVolumeMl: f64(0.3), Datetime: "2025-07-03T01:31:00Z"}, common.ErrInvalidEvent},
			{PourPayload{TapID: i64(7), PourVolumeMl: f64(100)}, common.ErrInvalidEvent},
			{PourPayload{TapID: i64(7), PourVolumeMl: f64(100), Datetime: "soon"}, common.ErrInvalidEvent},
			{PourPayload{DeviceID: "ESP32-999", PourVolumeMl: f64(100), Datetime: "2025-07-03T01:31:00Z"}, common.ErrUnknownTap},
			{PourPayload{TapID: i64(99), PourVolumeMl: f64(100), Datetime: "2025-07-03T01:31:00Z"}, common.ErrUnknownTap},
		}
		for _, oneCase := range cases {
			_, err := uut.IngestPour(ctxt, SourceHTTP, oneCase.payload)
			assert.True(errors.Is(err, oneCase.expected), "%+v => %v", oneCase.payload, err)
		}
		// Nothing changed
		snapshot, err := taps.GetSnapshot(7)
		assert.Nil(err)
		assert.Equal(int64(19000), snapshot.CurrentVolumeAvailableMl)
	}
}

func TestIngestKegChangeAndRaw(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, taps := defineIngestor(t, ctxt, &wg)
	defer func() {
		assert.Nil(taps.Stop())
	}()

	// Case 0: keg change by device
	{
		delta, err := uut.IngestKegChange(ctxt, SourceHTTP, KegChangePayload{
			DeviceID: "ESP32-007", KegCapacityMl: f64(30000), BeerStyleID: i64(4),
		})
		assert.Nil(err)
		assert.Equal(int64(7), delta.TapID)
		assert.Equal(int64(30000), delta.Tap.CurrentVolumeAvailableMl)
		assert.Equal(int64(4), *delta.Tap.CurrentBeerStyleID)
	}

	// Case 1: keg change rejects
	{
		_, err := uut.IngestKegChange(ctxt, SourceHTTP, KegChangePayload{TapID: i64(7)})
		assert.True(errors.Is(err, common.ErrInvalidEvent))
		_, err = uut.IngestKegChange(ctxt, SourceHTTP, KegChangePayload{
			TapID: i64(7), KegCapacityMl: f64(1000), Datetime: "later",
		})
		assert.True(errors.Is(err, common.ErrInvalidEvent))
	}

	// Case 2: raw keg change
	{
		result, err := uut.IngestRaw(
			ctxt, SourceNATS, KindKegChange, []byte(`{"tapId": 8, "kegCapacityMl": 50000}`),
		)
		assert.Nil(err)
		assert.Equal(int64(50000), result.Tap.KegCapacityMl)
		encoded, err := json.Marshal(&result)
		assert.Nil(err)
		assert.Contains(string(encoded), `"outcome":"applied"`)
	}

	// Case 3: raw garbage
	{
		result, err := uut.IngestRaw(ctxt, SourceNATS, KindPour, []byte(`{"tapId": "seven"`))
		assert.True(errors.Is(err, common.ErrInvalidEvent))
		assert.NotEmpty(result.Error)
		_, err = uut.IngestRaw(ctxt, SourceNATS, KindPour, []byte(`{"deviceId": {}}`))
		assert.True(errors.Is(err, common.ErrInvalidEvent))
		_, err = uut.IngestRaw(ctxt, SourceNATS, EventKind("refill"), []byte(`{}`))
		assert.True(errors.Is(err, common.ErrInvalidEvent))
	}
}
