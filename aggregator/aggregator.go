package aggregator

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/metrics"
	"github.com/alwitt/kegwatch/storage"
	"github.com/apex/log"
)

// Outcome result classification of applying a pour event
type Outcome string

const (
	// OutcomeApplied event changed tap state
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicateIgnored event was already applied
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
)

// ApplyResult result of applying a pour event
type ApplyResult struct {
	Outcome Outcome
	// Delta the emitted state change. Nil when the event was ignored.
	Delta *common.TapStateDelta
}

// DeltaSink receives every emitted delta. It is called on the worker owning the tap, so
// deltas for one tap arrive in apply order. It must not block.
type DeltaSink func(delta common.TapStateDelta)

// Stats summary of the tap state held by the aggregator
type Stats struct {
	TapCount    int
	LowKegCount int
}

// TapStateAggregator authoritative per-tap state machine
type TapStateAggregator interface {
	// ApplyPourEvent apply one pour to its tap
	ApplyPourEvent(ctxt context.Context, event common.PourEvent) (ApplyResult, error)
	// ApplyKegChange reset a tap to a new keg
	ApplyKegChange(ctxt context.Context, change common.KegChange) (common.TapStateDelta, error)
	// RegisterTap add a tap, or replace the state of an existing one
	RegisterTap(ctxt context.Context, tap common.Tap) error
	// GetSnapshot copy of the current state of a tap
	GetSnapshot(tapID int64) (common.Tap, error)
	// ListSnapshots copy of every tap, ordered by ID
	ListSnapshots() []common.Tap
	// Stats summarize current state
	Stats() Stats
	// Start start the per-tap workers
	Start(wg *sync.WaitGroup) error
	// Stop stop the per-tap workers
	Stop() error
}

// Params aggregator parameters
type Params struct {
	// LowKegThreshold fraction of capacity below which a keg is low
	LowKegThreshold float64
	// Workers number of per-tap workers
	Workers int
	// TaskBuffer queue depth of each worker
	TaskBuffer int
}

// tapEntry one tap's state. Entries are replaced, never mutated in place.
type tapEntry struct {
	tap     common.Tap
	lastSeq *uint64
}

// tapStateAggregatorImpl implements TapStateAggregator
type tapStateAggregatorImpl struct {
	common.Component
	params Params
	tp     common.TaskProcessor
	store  storage.TapStore
	sink   DeltaSink
	// operationContext scopes store writes, which must outlive the submitting caller
	operationContext context.Context

	stateLock sync.RWMutex
	taps      map[int64]*tapEntry
}

// GetTapStateAggregator define a new aggregator, loading initial tap state from the store
func GetTapStateAggregator(
	ctxt context.Context, params Params, store storage.TapStore, sink DeltaSink,
) (TapStateAggregator, error) {
	logTags := log.Fields{"module": "aggregator", "component": "tap-state"}
	if params.LowKegThreshold <= 0 || params.LowKegThreshold >= 1 {
		return nil, fmt.Errorf("low keg threshold %f outside (0, 1)", params.LowKegThreshold)
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, "tap-state", params.TaskBuffer, params.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	records, err := store.ListTaps(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load tap state")
		return nil, err
	}
	if sink == nil {
		sink = func(common.TapStateDelta) {}
	}
	instance := &tapStateAggregatorImpl{
		Component:        common.Component{LogTags: logTags},
		params:           params,
		tp:               tp,
		store:            store,
		sink:             sink,
		operationContext: ctxt,
		taps:             make(map[int64]*tapEntry, len(records)),
	}
	for _, record := range records {
		instance.taps[record.Tap.ID] = &tapEntry{tap: record.Tap.Copy(), lastSeq: record.LastSequence}
		metrics.TapVolume.WithLabelValues(common.TapIDString(record.Tap.ID)).Set(
			float64(record.Tap.CurrentVolumeAvailableMl),
		)
	}
	log.WithFields(logTags).Infof("Loaded %d taps", len(records))

	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(applyPourTask{}), instance.processApplyPour,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(applyKegChangeTask{}), instance.processApplyKegChange,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registerTapTask{}), instance.processRegisterTap,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the per-tap workers
func (a *tapStateAggregatorImpl) Start(wg *sync.WaitGroup) error {
	return a.tp.StartEventLoop(wg)
}

// Stop stop the per-tap workers
func (a *tapStateAggregatorImpl) Stop() error {
	return a.tp.StopEventLoop()
}

// isLow whether the tap is below the low keg threshold. No keg counts as empty.
func (a *tapStateAggregatorImpl) isLow(tap common.Tap) bool {
	if tap.KegCapacityMl <= 0 {
		return true
	}
	return float64(tap.CurrentVolumeAvailableMl)/float64(tap.KegCapacityMl) < a.params.LowKegThreshold
}

func (a *tapStateAggregatorImpl) readEntry(tapID int64) (*tapEntry, bool) {
	a.stateLock.RLock()
	defer a.stateLock.RUnlock()
	entry, ok := a.taps[tapID]
	return entry, ok
}

// commit swap in the new entry and persist it. Persistence failures are logged, not
// returned: in-memory state stays authoritative.
func (a *tapStateAggregatorImpl) commit(entry *tapEntry) {
	a.stateLock.Lock()
	a.taps[entry.tap.ID] = entry
	a.stateLock.Unlock()

	tapLabel := common.TapIDString(entry.tap.ID)
	metrics.TapVolume.WithLabelValues(tapLabel).Set(float64(entry.tap.CurrentVolumeAvailableMl))

	record := storage.TapRecord{Tap: entry.tap.Copy(), LastSequence: entry.lastSeq}
	if err := a.store.PutTap(a.operationContext, record); err != nil {
		metrics.StoreFailures.Inc()
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to persist tap %d", entry.tap.ID)
	}
}

// GetSnapshot copy of the current state of a tap
func (a *tapStateAggregatorImpl) GetSnapshot(tapID int64) (common.Tap, error) {
	entry, ok := a.readEntry(tapID)
	if !ok {
		return common.Tap{}, fmt.Errorf("%w: tap %d", common.ErrUnknownTap, tapID)
	}
	return entry.tap.Copy(), nil
}

// ListSnapshots copy of every tap, ordered by ID
func (a *tapStateAggregatorImpl) ListSnapshots() []common.Tap {
	a.stateLock.RLock()
	result := make([]common.Tap, 0, len(a.taps))
	for _, entry := range a.taps {
		result = append(result, entry.tap.Copy())
	}
	a.stateLock.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Stats summarize current state
func (a *tapStateAggregatorImpl) Stats() Stats {
	a.stateLock.RLock()
	defer a.stateLock.RUnlock()
	stats := Stats{TapCount: len(a.taps)}
	for _, entry := range a.taps {
		if a.isLow(entry.tap) {
			stats.LowKegCount++
		}
	}
	return stats
}

// =========================================================================

// submitAndWait hand a task to the worker owning its tap and wait for the result
func (a *tapStateAggregatorImpl) submitAndWait(
	ctxt context.Context, task common.KeyedTask, resultChan chan taskResult,
) (taskResult, error) {
	if err := a.tp.Submit(ctxt, task); err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Failed to submit task for tap %s", task.TaskKey())
		return taskResult{}, err
	}
	select {
	case result := <-resultChan:
		return result, result.err
	case <-ctxt.Done():
		return taskResult{}, ctxt.Err()
	}
}

type taskResult struct {
	outcome Outcome
	delta   *common.TapStateDelta
	err     error
}

// =========================================================================

type applyPourTask struct {
	event    common.PourEvent
	resultCB chan taskResult
}

func (t applyPourTask) TaskKey() string {
	return common.TapIDString(t.event.TapID)
}

// ApplyPourEvent apply one pour to its tap
func (a *tapStateAggregatorImpl) ApplyPourEvent(
	ctxt context.Context, event common.PourEvent,
) (ApplyResult, error) {
	if event.PourVolumeMl <= 0 {
		return ApplyResult{}, fmt.Errorf(
			"%w: pour volume must be positive, got %d", common.ErrInvalidEvent, event.PourVolumeMl,
		)
	}
	timer := metrics.NewTimer()
	// Buffered so the worker never blocks on a caller which gave up
	resultChan := make(chan taskResult, 1)
	result, err := a.submitAndWait(
		ctxt, applyPourTask{event: event, resultCB: resultChan}, resultChan,
	)
	if err != nil {
		return ApplyResult{}, err
	}
	timer.ObserveDuration(metrics.ApplyDuration.WithLabelValues("pour"))
	return ApplyResult{Outcome: result.outcome, Delta: result.delta}, nil
}

// processApplyPour support TaskProcessor, handle applyPourTask
func (a *tapStateAggregatorImpl) processApplyPour(param interface{}) error {
	task, ok := param.(applyPourTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for apply pour", reflect.TypeOf(param))
	}
	outcome, delta, err := a.applyPour(task.event)
	task.resultCB <- taskResult{outcome: outcome, delta: delta, err: err}
	return err
}

func (a *tapStateAggregatorImpl) applyPour(
	event common.PourEvent,
) (Outcome, *common.TapStateDelta, error) {
	current, ok := a.readEntry(event.TapID)
	if !ok {
		err := fmt.Errorf("%w: tap %d", common.ErrUnknownTap, event.TapID)
		log.WithError(err).WithFields(a.LogTags).Warn("Dropping pour event")
		return "", nil, err
	}

	if event.SequenceNumber != nil && current.lastSeq != nil &&
		*event.SequenceNumber <= *current.lastSeq {
		log.WithFields(a.LogTags).Debugf(
			"Tap %d ignoring pour seq %d <= %d", event.TapID, *event.SequenceNumber, *current.lastSeq,
		)
		return OutcomeDuplicateIgnored, nil, nil
	}

	next := &tapEntry{tap: current.tap.Copy(), lastSeq: current.lastSeq}
	previous := current.tap.CurrentVolumeAvailableMl
	remaining := previous - event.PourVolumeMl
	clamped := false
	if remaining < 0 {
		remaining = 0
		clamped = true
	}
	next.tap.CurrentVolumeAvailableMl = remaining
	next.tap.LastPourEvent = &common.LastPour{
		Datetime: event.Datetime, PourVolumeMl: event.PourVolumeMl,
	}
	if event.SequenceNumber != nil {
		seq := *event.SequenceNumber
		next.lastSeq = &seq
	}
	a.commit(next)

	if clamped {
		metrics.PoursClamped.Inc()
		log.WithFields(a.LogTags).Warnf(
			"Tap %d pour of %dml exceeded remaining %dml", event.TapID, event.PourVolumeMl, previous,
		)
	}

	wasLow := a.isLow(current.tap)
	nowLow := a.isLow(next.tap)
	delta := common.TapStateDelta{
		TapID:            event.TapID,
		Tap:              next.tap.Copy(),
		Cause:            common.DeltaCausePour,
		LowKeg:           nowLow,
		CrossedLowKeg:    nowLow && !wasLow,
		Clamped:          clamped,
		PreviousVolumeMl: previous,
	}
	a.sink(delta)
	return OutcomeApplied, &delta, nil
}

// =========================================================================

type applyKegChangeTask struct {
	change   common.KegChange
	resultCB chan taskResult
}

func (t applyKegChangeTask) TaskKey() string {
	return common.TapIDString(t.change.TapID)
}

// ApplyKegChange reset a tap to a new keg
func (a *tapStateAggregatorImpl) ApplyKegChange(
	ctxt context.Context, change common.KegChange,
) (common.TapStateDelta, error) {
	if change.KegCapacityMl <= 0 {
		return common.TapStateDelta{}, fmt.Errorf(
			"%w: keg capacity must be positive, got %d", common.ErrInvalidEvent, change.KegCapacityMl,
		)
	}
	timer := metrics.NewTimer()
	resultChan := make(chan taskResult, 1)
	result, err := a.submitAndWait(
		ctxt, applyKegChangeTask{change: change, resultCB: resultChan}, resultChan,
	)
	if err != nil {
		return common.TapStateDelta{}, err
	}
	timer.ObserveDuration(metrics.ApplyDuration.WithLabelValues("keg_change"))
	return *result.delta, nil
}

// processApplyKegChange support TaskProcessor, handle applyKegChangeTask
func (a *tapStateAggregatorImpl) processApplyKegChange(param interface{}) error {
	task, ok := param.(applyKegChangeTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for keg change", reflect.TypeOf(param))
	}
	delta, err := a.applyKegChange(task.change)
	task.resultCB <- taskResult{outcome: OutcomeApplied, delta: delta, err: err}
	return err
}

func (a *tapStateAggregatorImpl) applyKegChange(
	change common.KegChange,
) (*common.TapStateDelta, error) {
	current, ok := a.readEntry(change.TapID)
	if !ok {
		err := fmt.Errorf("%w: tap %d", common.ErrUnknownTap, change.TapID)
		log.WithError(err).WithFields(a.LogTags).Warn("Dropping keg change")
		return nil, err
	}

	// Device sequence counters keep running across kegs
	next := &tapEntry{tap: current.tap.Copy(), lastSeq: current.lastSeq}
	previous := current.tap.CurrentVolumeAvailableMl
	next.tap.KegCapacityMl = change.KegCapacityMl
	next.tap.CurrentVolumeAvailableMl = change.KegCapacityMl
	if change.BeerStyleID != nil {
		style := *change.BeerStyleID
		next.tap.CurrentBeerStyleID = &style
	}
	a.commit(next)

	log.WithFields(a.LogTags).Infof(
		"Tap %d keg changed, %dml -> %dml", change.TapID, previous, change.KegCapacityMl,
	)
	delta := common.TapStateDelta{
		TapID:            change.TapID,
		Tap:              next.tap.Copy(),
		Cause:            common.DeltaCauseKegChange,
		LowKeg:           a.isLow(next.tap),
		PreviousVolumeMl: previous,
	}
	a.sink(delta)
	return &delta, nil
}

// =========================================================================

type registerTapTask struct {
	tap      common.Tap
	resultCB chan taskResult
}

func (t registerTapTask) TaskKey() string {
	return common.TapIDString(t.tap.ID)
}

// RegisterTap add a tap, or replace the state of an existing one
func (a *tapStateAggregatorImpl) RegisterTap(ctxt context.Context, tap common.Tap) error {
	if tap.ID <= 0 {
		return fmt.Errorf("%w: tap ID must be positive, got %d", common.ErrInvalidEvent, tap.ID)
	}
	if tap.KegCapacityMl < 0 || tap.CurrentVolumeAvailableMl < 0 ||
		tap.CurrentVolumeAvailableMl > tap.KegCapacityMl {
		return fmt.Errorf(
			"%w: tap %d volume %d outside [0, %d]",
			common.ErrInvalidEvent, tap.ID, tap.CurrentVolumeAvailableMl, tap.KegCapacityMl,
		)
	}
	resultChan := make(chan taskResult, 1)
	_, err := a.submitAndWait(
		ctxt, registerTapTask{tap: tap.Copy(), resultCB: resultChan}, resultChan,
	)
	return err
}

// processRegisterTap support TaskProcessor, handle registerTapTask
func (a *tapStateAggregatorImpl) processRegisterTap(param interface{}) error {
	task, ok := param.(registerTapTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for register tap", reflect.TypeOf(param))
	}
	entry := &tapEntry{tap: task.tap}
	if current, ok := a.readEntry(task.tap.ID); ok {
		entry.lastSeq = current.lastSeq
	}
	a.commit(entry)
	log.WithFields(a.LogTags).Infof("Registered tap %d", task.tap.ID)
	task.resultCB <- taskResult{}
	return nil
}
