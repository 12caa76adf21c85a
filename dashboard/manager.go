// Package dashboard is the viewer side of the live update channel.
//
// A ConnectionManager holds one resilient connection to the hub and fans inbound
// messages out to registered listeners. Every state transition and every listener call
// happens on a single event loop, so listeners never run concurrently with each other.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// State connectivity state of the manager
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Listener callback receiving inbound live messages
type Listener func(msg common.LiveMessage)

// Unsubscribe remove a listener. Safe to call any number of times.
type Unsubscribe func()

// Params connection manager tuning
type Params struct {
	// HeartbeatInterval how often to ping the hub and re-check liveness. A ping must be
	// answered before the next tick.
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// HeartbeatTimeout connection is declared failed after this long without inbound traffic
	HeartbeatTimeout time.Duration `validate:"gtefield=HeartbeatInterval"`
	// BackoffMin first reconnect delay
	BackoffMin time.Duration `validate:"gt=0"`
	// BackoffMax reconnect delay ceiling
	BackoffMax time.Duration `validate:"gtefield=BackoffMin"`
	// HandshakeTimeout bound on a single dial
	HandshakeTimeout time.Duration `validate:"gt=0"`
}

// ParamsFromConfig convert the dashboard config section
func ParamsFromConfig(cfg common.DashboardConfig) Params {
	return Params{
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		BackoffMin:        time.Duration(cfg.BackoffMin) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.BackoffMax) * time.Millisecond,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeout) * time.Millisecond,
	}
}

// ConnectionManager one logical live channel connection shared by many listeners
type ConnectionManager interface {
	// IsConnected whether the live channel is currently up
	IsConnected() bool
	// State current connectivity state
	State() State
	// AddListener register a callback for every inbound message
	AddListener(cb Listener) Unsubscribe
	// AddListenerFor register a callback for inbound messages of one type
	AddListenerFor(msgType string, cb Listener) Unsubscribe
	// SendMessage send a message to the hub. A no-op while disconnected.
	SendMessage(msg common.LiveMessage) error
	// Stop tear down the connection and stop reconnecting
	Stop() error
}

// subscription one registered listener
type subscription struct {
	id      uint64
	msgType string
	cb      Listener
	active  atomic.Bool
}

// connectionManagerImpl implements ConnectionManager
type connectionManagerImpl struct {
	common.Component
	params           Params
	transport        Transport
	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
	tp               common.TaskProcessor
	heartbeatTimer   common.IntervalTimer
	retryTimer       common.IntervalTimer
	state            atomic.Int32
	stopped          atomic.Bool

	// Owned by the event loop
	generation  uint64
	backoff     time.Duration
	lastInbound time.Time
	// awaitingPong a ping went out and no traffic has arrived since
	awaitingPong bool

	connLock sync.Mutex
	conn     Conn

	subLock sync.Mutex
	subs    []*subscription
	nextSub uint64
}

// GetConnectionManager define a connection manager and start connecting.
//
// The manager runs until Stop is called or ctxt is cancelled.
func GetConnectionManager(
	ctxt context.Context, params Params, transport Transport, wg *sync.WaitGroup,
) (ConnectionManager, error) {
	if transport == nil {
		return nil, fmt.Errorf("no live channel transport given")
	}
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "dashboard", "component": "connection-manager"}

	optCtxt, cancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance(optCtxt, "connection-manager", 64)
	if err != nil {
		cancel()
		return nil, err
	}
	heartbeatTimer, err := common.GetIntervalTimerInstance("live-heartbeat", optCtxt, wg)
	if err != nil {
		cancel()
		return nil, err
	}
	retryTimer, err := common.GetIntervalTimerInstance("live-reconnect", optCtxt, wg)
	if err != nil {
		cancel()
		return nil, err
	}

	instance := &connectionManagerImpl{
		Component:        common.Component{LogTags: logTags},
		params:           params,
		transport:        transport,
		operationContext: optCtxt,
		contextCancel:    cancel,
		wg:               wg,
		tp:               tp,
		heartbeatTimer:   heartbeatTimer,
		retryTimer:       retryTimer,
		backoff:          params.BackoffMin,
	}
	instance.state.Store(int32(StateDisconnected))

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectTask{}):        instance.processConnect,
		reflect.TypeOf(dialResultTask{}):     instance.processDialResult,
		reflect.TypeOf(inboundTask{}):        instance.processInbound,
		reflect.TypeOf(transportErrorTask{}): instance.processTransportError,
		reflect.TypeOf(heartbeatTask{}):      instance.processHeartbeat,
	}); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		cancel()
		return nil, err
	}
	if err := heartbeatTimer.Start(params.HeartbeatInterval, func() error {
		return instance.submit(heartbeatTask{})
	}, false); err != nil {
		cancel()
		return nil, err
	}
	if err := instance.submit(connectTask{}); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

func (m *connectionManagerImpl) submit(task interface{}) error {
	return m.tp.Submit(m.operationContext, task)
}

func (m *connectionManagerImpl) setState(state State) {
	if m.stopped.Load() && state != StateDisconnected {
		return
	}
	prev := State(m.state.Swap(int32(state)))
	if prev != state {
		log.WithFields(m.LogTags).Debugf("%s -> %s", prev, state)
	}
}

// IsConnected whether the live channel is currently up
func (m *connectionManagerImpl) IsConnected() bool {
	return m.State() == StateConnected
}

// State current connectivity state
func (m *connectionManagerImpl) State() State {
	return State(m.state.Load())
}

// =========================================================================
// Listeners

func (m *connectionManagerImpl) addSubscription(msgType string, cb Listener) Unsubscribe {
	m.subLock.Lock()
	m.nextSub++
	sub := &subscription{id: m.nextSub, msgType: msgType, cb: cb}
	sub.active.Store(true)
	m.subs = append(m.subs, sub)
	m.subLock.Unlock()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			m.subLock.Lock()
			defer m.subLock.Unlock()
			for idx, registered := range m.subs {
				if registered.id == sub.id {
					m.subs = append(m.subs[:idx], m.subs[idx+1:]...)
					break
				}
			}
		})
	}
}

// AddListener register a callback for every inbound message
func (m *connectionManagerImpl) AddListener(cb Listener) Unsubscribe {
	return m.addSubscription("", cb)
}

// AddListenerFor register a callback for inbound messages of one type
func (m *connectionManagerImpl) AddListenerFor(msgType string, cb Listener) Unsubscribe {
	return m.addSubscription(msgType, cb)
}

// deliver call every matching listener in registration order
func (m *connectionManagerImpl) deliver(msg common.LiveMessage) {
	m.subLock.Lock()
	subs := make([]*subscription, len(m.subs))
	copy(subs, m.subs)
	m.subLock.Unlock()
	for _, sub := range subs {
		if sub.msgType != "" && sub.msgType != msg.Type {
			continue
		}
		m.invoke(sub, msg)
	}
}

func (m *connectionManagerImpl) invoke(sub *subscription, msg common.LiveMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(m.LogTags).Errorf("Listener %d panicked on %s: %v", sub.id, msg.Type, r)
		}
	}()
	// Unsubscribed while earlier listeners ran
	if !sub.active.Load() {
		return
	}
	sub.cb(msg)
}

// =========================================================================
// Outbound

// SendMessage send a message to the hub. Messages are not queued while disconnected.
func (m *connectionManagerImpl) SendMessage(msg common.LiveMessage) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	m.connLock.Lock()
	conn := m.conn
	m.connLock.Unlock()
	if conn == nil {
		log.WithFields(m.LogTags).Debugf("Not connected, dropping outbound %s", msg.Type)
		return nil
	}
	if err := conn.WriteMessage(payload); err != nil {
		// Closing unblocks the reader which reports the failure to the event loop
		log.WithError(err).WithFields(m.LogTags).Warnf("Unable to send %s", msg.Type)
		_ = conn.Close()
	}
	return nil
}

// =========================================================================
// Event loop

type connectTask struct{}

type dialResultTask struct {
	generation uint64
	conn       Conn
	err        error
}

type inboundTask struct {
	generation uint64
	payload    []byte
}

type transportErrorTask struct {
	generation uint64
	err        error
}

type heartbeatTask struct{}

// processConnect Disconnected -> Connecting
func (m *connectionManagerImpl) processConnect(param interface{}) error {
	if _, ok := param.(connectTask); !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	if m.stopped.Load() || m.State() != StateDisconnected {
		return nil
	}
	m.generation++
	generation := m.generation
	m.setState(StateConnecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dialCtxt, cancel := context.WithTimeout(m.operationContext, m.params.HandshakeTimeout)
		defer cancel()
		conn, err := m.transport.Dial(dialCtxt)
		if err := m.submit(dialResultTask{generation: generation, conn: conn, err: err}); err != nil && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

// processDialResult Connecting -> Connected, or back to Disconnected
func (m *connectionManagerImpl) processDialResult(param interface{}) error {
	task, ok := param.(dialResultTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for dial result", reflect.TypeOf(param))
	}
	if task.generation != m.generation || m.stopped.Load() {
		if task.conn != nil {
			_ = task.conn.Close()
		}
		return nil
	}
	if task.err != nil {
		log.WithError(task.err).WithFields(m.LogTags).Warn("Live channel dial failed")
		m.setState(StateDisconnected)
		m.scheduleReconnect()
		return nil
	}

	m.connLock.Lock()
	if m.stopped.Load() {
		m.connLock.Unlock()
		_ = task.conn.Close()
		return nil
	}
	m.conn = task.conn
	m.connLock.Unlock()
	m.lastInbound = time.Now()
	m.awaitingPong = false
	m.backoff = m.params.BackoffMin
	m.setState(StateConnected)
	log.WithFields(m.LogTags).Info("Live channel connected")

	m.wg.Add(1)
	go m.readLoop(task.generation, task.conn)
	return nil
}

// readLoop forward inbound traffic of one connection into the event loop
func (m *connectionManagerImpl) readLoop(generation uint64, conn Conn) {
	defer m.wg.Done()
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			_ = m.submit(transportErrorTask{generation: generation, err: err})
			return
		}
		if err := m.submit(inboundTask{generation: generation, payload: payload}); err != nil {
			return
		}
	}
}

func (m *connectionManagerImpl) processInbound(param interface{}) error {
	task, ok := param.(inboundTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for inbound", reflect.TypeOf(param))
	}
	if task.generation != m.generation || m.State() != StateConnected {
		return nil
	}
	m.lastInbound = time.Now()
	m.awaitingPong = false

	var msg common.LiveMessage
	if err := json.Unmarshal(task.payload, &msg); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warn("Dropping unparsable inbound message")
		return nil
	}
	if msg.Type == common.MsgTypePong {
		return nil
	}
	m.deliver(msg)
	return nil
}

func (m *connectionManagerImpl) processTransportError(param interface{}) error {
	task, ok := param.(transportErrorTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for transport error", reflect.TypeOf(param))
	}
	if task.generation != m.generation || m.State() != StateConnected {
		return nil
	}
	m.fail(fmt.Errorf("%w: %s", common.ErrTransportFailure, task.err))
	return nil
}

// processHeartbeat detect silent connection loss and keep the hub session alive
func (m *connectionManagerImpl) processHeartbeat(param interface{}) error {
	if _, ok := param.(heartbeatTask); !ok {
		return fmt.Errorf("can not process unknown type %s for heartbeat", reflect.TypeOf(param))
	}
	if m.stopped.Load() {
		return nil
	}

	m.connLock.Lock()
	hasConn := m.conn != nil
	m.connLock.Unlock()
	// Re-derive connectivity from the actual connection
	if m.State() == StateConnected && !hasConn {
		m.fail(fmt.Errorf("%w: connection lost", common.ErrTransportFailure))
		return nil
	}
	if m.State() != StateConnected {
		return nil
	}

	// The previous ping must be answered before the next tick
	if m.awaitingPong {
		m.fail(fmt.Errorf(
			"%w: ping unanswered after %s", common.ErrSessionTimeout, m.params.HeartbeatInterval,
		))
		return nil
	}
	if silence := time.Since(m.lastInbound); silence > m.params.HeartbeatTimeout {
		m.fail(fmt.Errorf("%w: no traffic for %s", common.ErrSessionTimeout, silence))
		return nil
	}
	ping, err := common.NewLiveMessage(common.MsgTypePing, nil)
	if err != nil {
		return err
	}
	m.awaitingPong = true
	return m.SendMessage(ping)
}

// fail Connected -> Disconnected, then schedule the next attempt
func (m *connectionManagerImpl) fail(err error) {
	log.WithError(err).WithFields(m.LogTags).Warn("Live channel lost")
	// Invalidate results still in flight for the old connection
	m.generation++
	m.dropConn()
	m.setState(StateDisconnected)
	m.scheduleReconnect()
}

func (m *connectionManagerImpl) dropConn() {
	m.connLock.Lock()
	conn := m.conn
	m.conn = nil
	m.connLock.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// scheduleReconnect arm the retry timer with the current backoff then grow it
func (m *connectionManagerImpl) scheduleReconnect() {
	if m.stopped.Load() {
		return
	}
	delay := m.backoff
	m.backoff = nextBackoff(m.backoff, m.params.BackoffMin, m.params.BackoffMax)
	log.WithFields(m.LogTags).Debugf("Reconnecting in %s", delay)
	if err := m.retryTimer.Start(delay, func() error {
		return m.submit(connectTask{})
	}, true); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to schedule reconnect")
	}
}

// nextBackoff double the delay, bounded by [floor, ceiling]
func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	next := current * 2
	if next < floor {
		next = floor
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}

// Stop tear down the connection and stop reconnecting
func (m *connectionManagerImpl) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	_ = m.heartbeatTimer.Stop()
	_ = m.retryTimer.Stop()
	_ = m.tp.StopEventLoop()
	m.dropConn()
	m.contextCancel()
	m.setState(StateDisconnected)
	log.WithFields(m.LogTags).Info("Stopped")
	return nil
}
