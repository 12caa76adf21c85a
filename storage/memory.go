package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
)

// memoryTapStore in process tap store. State is lost on restart.
type memoryTapStore struct {
	common.Component
	lock    sync.RWMutex
	records map[int64]TapRecord
}

// GetInMemoryTapStore define an in-memory tap store
func GetInMemoryTapStore() (TapStore, error) {
	logTags := log.Fields{"module": "storage", "component": "memory"}
	return &memoryTapStore{
		Component: common.Component{LogTags: logTags},
		records:   make(map[int64]TapRecord),
	}, nil
}

func (s *memoryTapStore) PutTap(_ context.Context, record TapRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records[record.Tap.ID] = copyRecord(record)
	return nil
}

func (s *memoryTapStore) GetTap(_ context.Context, tapID int64) (TapRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	record, ok := s.records[tapID]
	if !ok {
		return TapRecord{}, fmt.Errorf("%w: tap %d", common.ErrUnknownTap, tapID)
	}
	return copyRecord(record), nil
}

func (s *memoryTapStore) ListTaps(_ context.Context) ([]TapRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]TapRecord, 0, len(s.records))
	for _, record := range s.records {
		result = append(result, copyRecord(record))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tap.ID < result[j].Tap.ID })
	return result, nil
}

func (s *memoryTapStore) Close() error {
	log.WithFields(s.LogTags).Debug("Closing store")
	return nil
}
