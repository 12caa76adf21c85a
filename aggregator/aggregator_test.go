package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type deltaRecorder struct {
	lock   sync.Mutex
	deltas []common.TapStateDelta
}

func (r *deltaRecorder) sink(delta common.TapStateDelta) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *deltaRecorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.deltas)
}

func (r *deltaRecorder) forTap(tapID int64) []common.TapStateDelta {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := []common.TapStateDelta{}
	for _, delta := range r.deltas {
		if delta.TapID == tapID {
			result = append(result, delta)
		}
	}
	return result
}

func seq(v uint64) *uint64 {
	return &v
}

func defineAggregator(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, store storage.TapStore, taps ...common.Tap,
) (TapStateAggregator, *deltaRecorder) {
	for _, tap := range taps {
		assert.Nil(t, store.PutTap(ctxt, storage.TapRecord{Tap: tap}))
	}
	recorder := &deltaRecorder{}
	uut, err := GetTapStateAggregator(
		ctxt, Params{LowKegThreshold: 0.1, Workers: 4, TaskBuffer: 16}, store, recorder.sink,
	)
	assert.Nil(t, err)
	assert.Nil(t, uut.Start(wg))
	return uut, recorder
}

func TestAggregatorTapScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	uut, recorder := defineAggregator(t, ctxt, &wg, store, common.Tap{
		ID: 7, KegCapacityMl: 20000, CurrentVolumeAvailableMl: 20000,
	})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	poured := time.Date(2025, 7, 3, 4, 30, 0, 0, time.UTC)

	// Case 0: three pours
	{
		for itr := uint64(1); itr <= 3; itr++ {
			result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{
				TapID: 7, PourVolumeMl: 500, Datetime: poured, SequenceNumber: seq(itr),
			})
			assert.Nil(err)
			assert.Equal(OutcomeApplied, result.Outcome)
			assert.NotNil(result.Delta)
			assert.Equal(common.DeltaCausePour, result.Delta.Cause)
		}
		snapshot, err := uut.GetSnapshot(7)
		assert.Nil(err)
		assert.Equal(int64(18500), snapshot.CurrentVolumeAvailableMl)
		assert.NotNil(snapshot.LastPourEvent)
		assert.Equal(int64(500), snapshot.LastPourEvent.PourVolumeMl)
		assert.Equal(3, recorder.count())
		assert.False(recorder.forTap(7)[2].LowKeg)
	}

	// Case 1: replay of sequence 2
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{
			TapID: 7, PourVolumeMl: 500, Datetime: poured, SequenceNumber: seq(2),
		})
		assert.Nil(err)
		assert.Equal(OutcomeDuplicateIgnored, result.Outcome)
		assert.Nil(result.Delta)
		snapshot, err := uut.GetSnapshot(7)
		assert.Nil(err)
		assert.Equal(int64(18500), snapshot.CurrentVolumeAvailableMl)
		assert.Equal(3, recorder.count())
	}

	// Case 2: keg change
	{
		style := int64(12)
		delta, err := uut.ApplyKegChange(ctxt, common.KegChange{
			TapID: 7, KegCapacityMl: 20000, BeerStyleID: &style, Datetime: poured,
		})
		assert.Nil(err)
		assert.Equal(common.DeltaCauseKegChange, delta.Cause)
		assert.Equal(int64(18500), delta.PreviousVolumeMl)
		assert.Equal(int64(20000), delta.Tap.CurrentVolumeAvailableMl)
		assert.NotNil(delta.Tap.CurrentBeerStyleID)
		assert.Equal(int64(12), *delta.Tap.CurrentBeerStyleID)
		assert.Equal(4, recorder.count())

		// Persisted
		record, err := store.GetTap(ctxt, 7)
		assert.Nil(err)
		assert.Equal(int64(20000), record.Tap.CurrentVolumeAvailableMl)
		assert.Equal(uint64(3), *record.LastSequence)
	}

	// Case 3: keg change without style keeps the style
	{
		delta, err := uut.ApplyKegChange(ctxt, common.KegChange{TapID: 7, KegCapacityMl: 30000})
		assert.Nil(err)
		assert.Equal(int64(12), *delta.Tap.CurrentBeerStyleID)
		assert.Equal(int64(30000), delta.Tap.KegCapacityMl)
	}

	// Case 4: sequence numbers survive the keg change
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{
			TapID: 7, PourVolumeMl: 500, Datetime: poured, SequenceNumber: seq(3),
		})
		assert.Nil(err)
		assert.Equal(OutcomeDuplicateIgnored, result.Outcome)
		result, err = uut.ApplyPourEvent(ctxt, common.PourEvent{
			TapID: 7, PourVolumeMl: 500, Datetime: poured,
		})
		assert.Nil(err)
		assert.Equal(OutcomeApplied, result.Outcome)
	}
}

func TestAggregatorRejects(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	uut, recorder := defineAggregator(t, ctxt, &wg, store, common.Tap{
		ID: 1, KegCapacityMl: 1000, CurrentVolumeAvailableMl: 1000,
	})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: unknown tap
	{
		_, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 99, PourVolumeMl: 10})
		assert.True(errors.Is(err, common.ErrUnknownTap))
		_, err = uut.ApplyKegChange(ctxt, common.KegChange{TapID: 99, KegCapacityMl: 10})
		assert.True(errors.Is(err, common.ErrUnknownTap))
		_, err = uut.GetSnapshot(99)
		assert.True(errors.Is(err, common.ErrUnknownTap))
	}

	// Case 1: invalid values
	{
		_, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 1, PourVolumeMl: 0})
		assert.True(errors.Is(err, common.ErrInvalidEvent))
		_, err = uut.ApplyKegChange(ctxt, common.KegChange{TapID: 1, KegCapacityMl: -5})
		assert.True(errors.Is(err, common.ErrInvalidEvent))
		err = uut.RegisterTap(ctxt, common.Tap{ID: 2, KegCapacityMl: 10, CurrentVolumeAvailableMl: 20})
		assert.True(errors.Is(err, common.ErrInvalidEvent))
	}

	// No delta for any rejected event
	assert.Equal(0, recorder.count())
	snapshot, err := uut.GetSnapshot(1)
	assert.Nil(err)
	assert.Equal(int64(1000), snapshot.CurrentVolumeAvailableMl)
}

func TestAggregatorLowKegAndClamp(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	uut, _ := defineAggregator(t, ctxt, &wg, store,
		common.Tap{ID: 1, KegCapacityMl: 1000, CurrentVolumeAvailableMl: 200},
		common.Tap{ID: 2},
	)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: exactly at the threshold is not low
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 1, PourVolumeMl: 100})
		assert.Nil(err)
		assert.False(result.Delta.LowKeg)
		assert.False(result.Delta.CrossedLowKeg)
		assert.Equal(int64(100), result.Delta.Tap.CurrentVolumeAvailableMl)
	}

	// Case 1: crossing the threshold
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 1, PourVolumeMl: 1})
		assert.Nil(err)
		assert.True(result.Delta.LowKeg)
		assert.True(result.Delta.CrossedLowKeg)
	}

	// Case 2: staying low does not cross again
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 1, PourVolumeMl: 1})
		assert.Nil(err)
		assert.True(result.Delta.LowKeg)
		assert.False(result.Delta.CrossedLowKeg)
	}

	// Case 3: pour larger than what is left
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 1, PourVolumeMl: 5000})
		assert.Nil(err)
		assert.True(result.Delta.Clamped)
		assert.Equal(int64(0), result.Delta.Tap.CurrentVolumeAvailableMl)
		assert.Equal(int64(98), result.Delta.PreviousVolumeMl)
	}

	// Case 4: no keg is low, and does not divide by zero
	{
		result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 2, PourVolumeMl: 10})
		assert.Nil(err)
		assert.True(result.Delta.LowKeg)
		assert.False(result.Delta.CrossedLowKeg)
		assert.True(result.Delta.Clamped)
	}

	stats := uut.Stats()
	assert.Equal(2, stats.TapCount)
	assert.Equal(2, stats.LowKegCount)
}

type failingStore struct {
	storage.TapStore
}

func (s failingStore) PutTap(context.Context, storage.TapRecord) error {
	return fmt.Errorf("disk on fire")
}

func TestAggregatorStoreFailureIsNotFatal(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	uut, recorder := defineAggregator(t, ctxt, &wg, backing, common.Tap{
		ID: 3, KegCapacityMl: 1000, CurrentVolumeAvailableMl: 1000,
	})
	assert.Nil(uut.Stop())

	// Rebuild over a failing store seeded with the same tap
	uut, err = GetTapStateAggregator(
		ctxt, Params{LowKegThreshold: 0.1, Workers: 1, TaskBuffer: 1}, failingStore{backing}, recorder.sink,
	)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	result, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: 3, PourVolumeMl: 250})
	assert.Nil(err)
	assert.Equal(OutcomeApplied, result.Outcome)
	snapshot, err := uut.GetSnapshot(3)
	assert.Nil(err)
	assert.Equal(int64(750), snapshot.CurrentVolumeAvailableMl)
	assert.Equal(1, recorder.count())
}

func TestAggregatorConcurrentTaps(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	taps := []common.Tap{}
	for tapID := int64(1); tapID <= 8; tapID++ {
		taps = append(taps, common.Tap{ID: tapID, KegCapacityMl: 50000, CurrentVolumeAvailableMl: 50000})
	}
	uut, recorder := defineAggregator(t, ctxt, &wg, store, taps...)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Each tap gets pours from several devices at once, with replays mixed in
	pourWG := sync.WaitGroup{}
	for tapID := int64(1); tapID <= 8; tapID++ {
		for writer := 0; writer < 4; writer++ {
			pourWG.Add(1)
			go func(tapID int64) {
				defer pourWG.Done()
				for itr := 0; itr < 25; itr++ {
					_, err := uut.ApplyPourEvent(ctxt, common.PourEvent{TapID: tapID, PourVolumeMl: 10})
					assert.Nil(err)
				}
			}(tapID)
		}
	}
	pourWG.Wait()

	for _, snapshot := range uut.ListSnapshots() {
		assert.Equal(int64(50000-4*25*10), snapshot.CurrentVolumeAvailableMl)
		// Deltas for one tap are emitted in apply order
		deltas := recorder.forTap(snapshot.ID)
		assert.Len(deltas, 100)
		for itr := 1; itr < len(deltas); itr++ {
			assert.Equal(
				deltas[itr-1].Tap.CurrentVolumeAvailableMl-10, deltas[itr].Tap.CurrentVolumeAvailableMl,
			)
		}
	}
}

func TestAggregatorRegisterTap(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetInMemoryTapStore()
	assert.Nil(err)
	uut, _ := defineAggregator(t, ctxt, &wg, store)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	assert.Empty(uut.ListSnapshots())
	assert.Nil(uut.RegisterTap(ctxt, common.Tap{ID: 5, Name: "Stout", KegCapacityMl: 10000, CurrentVolumeAvailableMl: 10000}))
	snapshot, err := uut.GetSnapshot(5)
	assert.Nil(err)
	assert.Equal("Stout", snapshot.Name)

	// Snapshots are copies
	snapshot.CurrentVolumeAvailableMl = 1
	again, err := uut.GetSnapshot(5)
	assert.Nil(err)
	assert.Equal(int64(10000), again.CurrentVolumeAvailableMl)

	record, err := store.GetTap(ctxt, 5)
	assert.Nil(err)
	assert.Equal("Stout", record.Tap.Name)
}
