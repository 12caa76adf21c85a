package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/metrics"
	"github.com/apex/log"
)

// StatsSource provides the payload of the periodic stats broadcast
type StatsSource func() common.PipelineStats

// SnapshotSource provides the initial_data payload of a newly attached session
type SnapshotSource func() interface{}

// BroadcastHub fan-out of tap state changes to every attached session
type BroadcastHub interface {
	// Attach register a new session
	Attach() *Session
	// AttachWithSnapshot register a new session whose first queued message is initial_data.
	// No publish runs between registering the session and taking the snapshot, so every
	// update the session receives is at least as new as the snapshot.
	AttachWithSnapshot(snapshot SnapshotSource) (*Session, error)
	// Detach remove a session. Safe to call more than once.
	Detach(session *Session)
	// Publish broadcast a tap state change, returning the number of sessions it reached.
	// The tap_update payload is the updated Tap. Alert messages implied by the change
	// follow the update, carrying the full delta.
	Publish(delta common.TapStateDelta) int
	// PublishMessage broadcast an arbitrary message, returning the number of sessions it reached
	PublishMessage(msg common.LiveMessage) int
	// SendTo enqueue a message for one session
	SendTo(session *Session, msg common.LiveMessage) error
	// PruneIdle remove sessions silent for longer than the idle timeout
	PruneIdle(now time.Time) int
	// SessionCount number of attached sessions
	SessionCount() int
	// Start begin idle pruning, and the stats broadcast when a source is given
	Start(stats StatsSource) error
	// Stop halt the timers and drop every session
	Stop() error
}

// Params hub parameters
type Params struct {
	// SessionBuffer outbound queue depth of each session
	SessionBuffer int
	// IdleTimeout session is pruned when silent for this long
	IdleTimeout time.Duration
	// PruneInterval how often to look for idle sessions
	PruneInterval time.Duration
	// StatsInterval how often to broadcast stats
	StatsInterval time.Duration
}

// broadcastHubImpl implements BroadcastHub
type broadcastHubImpl struct {
	common.Component
	params Params
	// publishLock held shared by every broadcast, exclusive while attaching with a snapshot
	publishLock sync.RWMutex
	lock        sync.RWMutex
	sessions    map[string]*Session
	pruneTimer common.IntervalTimer
	statsTimer common.IntervalTimer
}

// GetBroadcastHub define a new broadcast hub
func GetBroadcastHub(ctxt context.Context, params Params, wg *sync.WaitGroup) (BroadcastHub, error) {
	logTags := log.Fields{"module": "hub", "component": "broadcast"}
	if params.SessionBuffer < 1 {
		return nil, fmt.Errorf("session buffer must be at least 1")
	}
	pruneTimer, err := common.GetIntervalTimerInstance("hub-prune", ctxt, wg)
	if err != nil {
		return nil, err
	}
	statsTimer, err := common.GetIntervalTimerInstance("hub-stats", ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &broadcastHubImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		sessions:   make(map[string]*Session),
		pruneTimer: pruneTimer,
		statsTimer: statsTimer,
	}, nil
}

// Attach register a new session
func (h *broadcastHubImpl) Attach() *Session {
	session := newSession(h.params.SessionBuffer, time.Now())
	h.register(session)
	return session
}

func (h *broadcastHubImpl) register(session *Session) {
	h.lock.Lock()
	h.sessions[session.ID] = session
	count := len(h.sessions)
	h.lock.Unlock()
	metrics.LiveSessions.Set(float64(count))
	log.WithFields(h.LogTags).WithField("session", session.ID).Debug("Attached")
}

// AttachWithSnapshot register a new session with initial_data as its first message
func (h *broadcastHubImpl) AttachWithSnapshot(snapshot SnapshotSource) (*Session, error) {
	h.publishLock.Lock()
	defer h.publishLock.Unlock()
	initial, err := common.NewLiveMessage(common.MsgTypeInitialData, snapshot())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&initial)
	if err != nil {
		return nil, err
	}
	session := newSession(h.params.SessionBuffer, time.Now())
	// Fresh queue has room for at least one message
	session.enqueue(payload)
	h.register(session)
	metrics.MessagesDelivered.WithLabelValues(common.MsgTypeInitialData).Inc()
	return session, nil
}

// Detach remove a session
func (h *broadcastHubImpl) Detach(session *Session) {
	h.remove([]*Session{session}, "detached")
}

// remove mark the sessions dead and drop them from the set
func (h *broadcastHubImpl) remove(sessions []*Session, reason string) {
	if len(sessions) == 0 {
		return
	}
	removed := 0
	h.lock.Lock()
	for _, session := range sessions {
		session.MarkDead()
		if _, ok := h.sessions[session.ID]; ok {
			delete(h.sessions, session.ID)
			removed++
		}
	}
	count := len(h.sessions)
	h.lock.Unlock()
	metrics.LiveSessions.Set(float64(count))
	if removed > 0 {
		metrics.SessionsPruned.WithLabelValues(reason).Add(float64(removed))
		log.WithFields(h.LogTags).Debugf("Removed %d sessions (%s)", removed, reason)
	}
}

func (h *broadcastHubImpl) snapshotSessions() []*Session {
	h.lock.RLock()
	defer h.lock.RUnlock()
	result := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		result = append(result, session)
	}
	return result
}

// broadcast enqueue one serialized payload on every live session
func (h *broadcastHubImpl) broadcast(msgType string, payload []byte) int {
	h.publishLock.RLock()
	defer h.publishLock.RUnlock()
	delivered := 0
	failed := []*Session{}
	for _, session := range h.snapshotSessions() {
		if session.enqueue(payload) {
			delivered++
			continue
		}
		if !session.IsDead() {
			log.WithError(common.ErrSlowConsumer).WithFields(h.LogTags).
				WithField("session", session.ID).Warn("Dropping session")
		}
		failed = append(failed, session)
	}
	h.remove(failed, "undeliverable")
	metrics.MessagesDelivered.WithLabelValues(msgType).Add(float64(delivered))
	return delivered
}

// PublishMessage broadcast an arbitrary message
func (h *broadcastHubImpl) PublishMessage(msg common.LiveMessage) int {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to serialize %s message", msg.Type)
		return 0
	}
	return h.broadcast(msg.Type, payload)
}

func (h *broadcastHubImpl) publishTyped(msgType string, data interface{}) int {
	msg, err := common.NewLiveMessage(msgType, data)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to build %s message", msgType)
		return 0
	}
	return h.PublishMessage(msg)
}

// Publish broadcast a tap state change
func (h *broadcastHubImpl) Publish(delta common.TapStateDelta) int {
	delivered := h.publishTyped(common.MsgTypeTapUpdate, delta.Tap)
	if delta.CrossedLowKeg {
		h.publishTyped(common.MsgTypeKegLowAlert, delta)
	}
	if delta.Clamped {
		h.publishTyped(common.MsgTypePourClamped, delta)
	}
	return delivered
}

// SendTo enqueue a message for one session
func (h *broadcastHubImpl) SendTo(session *Session, msg common.LiveMessage) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if session.enqueue(payload) {
		metrics.MessagesDelivered.WithLabelValues(msg.Type).Inc()
		return nil
	}
	h.remove([]*Session{session}, "undeliverable")
	return fmt.Errorf("%w: session %s", common.ErrSlowConsumer, session.ID)
}

// PruneIdle remove sessions silent for longer than the idle timeout
func (h *broadcastHubImpl) PruneIdle(now time.Time) int {
	stale := []*Session{}
	for _, session := range h.snapshotSessions() {
		if session.IsDead() || now.Sub(session.LastSeen()) > h.params.IdleTimeout {
			stale = append(stale, session)
		}
	}
	if len(stale) > 0 {
		log.WithError(common.ErrSessionTimeout).WithFields(h.LogTags).
			Infof("Pruning %d idle sessions", len(stale))
	}
	h.remove(stale, "idle")
	return len(stale)
}

// SessionCount number of attached sessions
func (h *broadcastHubImpl) SessionCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.sessions)
}

// Start begin idle pruning, and the stats broadcast when a source is given
func (h *broadcastHubImpl) Start(stats StatsSource) error {
	if err := h.pruneTimer.Start(h.params.PruneInterval, func() error {
		h.PruneIdle(time.Now())
		return nil
	}, false); err != nil {
		return err
	}
	if stats != nil {
		if err := h.statsTimer.Start(h.params.StatsInterval, func() error {
			summary := stats()
			summary.SessionCount = h.SessionCount()
			h.publishTyped(common.MsgTypeStatsUpdated, summary)
			return nil
		}, false); err != nil {
			return err
		}
	}
	return nil
}

// Stop halt the timers and drop every session
func (h *broadcastHubImpl) Stop() error {
	_ = h.pruneTimer.Stop()
	_ = h.statsTimer.Stop()
	h.remove(h.snapshotSessions(), "shutdown")
	log.WithFields(h.LogTags).Info("Stopped")
	return nil
}
