package dashboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/presentation"
)

// TapBoard viewer side replica of tap state, fed by live messages.
//
// initial_data replaces the whole replica, so a reconnect always resynchronizes.
type TapBoard struct {
	lock      sync.RWMutex
	taps      map[int64]common.Tap
	stats     *common.PipelineStats
	updatedAt time.Time
}

// NewTapBoard define an empty tap board
func NewTapBoard() *TapBoard {
	return &TapBoard{taps: make(map[int64]common.Tap)}
}

// Attach feed the board from a connection manager
func (b *TapBoard) Attach(manager ConnectionManager) Unsubscribe {
	unsubs := []Unsubscribe{}
	for _, msgType := range []string{
		common.MsgTypeInitialData, common.MsgTypeTapUpdate, common.MsgTypeStatsUpdated,
	} {
		unsubs = append(unsubs, manager.AddListenerFor(msgType, func(msg common.LiveMessage) {
			_ = b.Apply(msg)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Apply fold one live message into the replica. Message types the board does not track
// are ignored.
func (b *TapBoard) Apply(msg common.LiveMessage) error {
	switch msg.Type {
	case common.MsgTypeInitialData:
		var snapshot []common.Tap
		if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
			return fmt.Errorf("unable to parse %s: %w", msg.Type, err)
		}
		b.lock.Lock()
		defer b.lock.Unlock()
		b.taps = make(map[int64]common.Tap, len(snapshot))
		for _, tap := range snapshot {
			b.taps[tap.ID] = tap
		}
		b.updatedAt = msg.Timestamp
	case common.MsgTypeTapUpdate:
		var tap common.Tap
		if err := json.Unmarshal(msg.Data, &tap); err != nil {
			return fmt.Errorf("unable to parse %s: %w", msg.Type, err)
		}
		b.lock.Lock()
		defer b.lock.Unlock()
		b.taps[tap.ID] = tap
		b.updatedAt = msg.Timestamp
	case common.MsgTypeStatsUpdated:
		var stats common.PipelineStats
		if err := json.Unmarshal(msg.Data, &stats); err != nil {
			return fmt.Errorf("unable to parse %s: %w", msg.Type, err)
		}
		b.lock.Lock()
		defer b.lock.Unlock()
		b.stats = &stats
	}
	return nil
}

// Taps copy of every tap, ordered by ID
func (b *TapBoard) Taps() []common.Tap {
	b.lock.RLock()
	defer b.lock.RUnlock()
	result := make([]common.Tap, 0, len(b.taps))
	for _, tap := range b.taps {
		result = append(result, tap.Copy())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Views display values of every tap, ordered by ID
func (b *TapBoard) Views(opts presentation.Options) []presentation.TapView {
	return presentation.DeriveAll(b.Taps(), opts)
}

// Stats last pipeline stats received, if any
func (b *TapBoard) Stats() (common.PipelineStats, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.stats == nil {
		return common.PipelineStats{}, false
	}
	return *b.stats, true
}

// UpdatedAt timestamp of the last tap message applied
func (b *TapBoard) UpdatedAt() time.Time {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.updatedAt
}
