package ritual

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/pkg/logger"
)

// defaultHistoryLimit 是单个会话保留的事件上限。
const defaultHistoryLimit = 256

// Listener 在状态变化后被调用。
type Listener func(Event)

// Option 定义 Machine 的可选配置。
type Option func(*Machine)

// WithTiming 覆盖默认节奏。
func WithTiming(t Timing) Option {
	return func(m *Machine) {
		m.timing = t.normalized()
	}
}

// WithHistoryLimit 限制事件历史长度，0 表示不限制。
func WithHistoryLimit(limit int) Option {
	return func(m *Machine) {
		if limit >= 0 {
			m.historyLimit = limit
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom 替换 [0,1) 随机数来源。
func WithRandom(r func() float64) Option {
	return func(m *Machine) {
		if r != nil {
			m.random = r
		}
	}
}

// WithListener 在创建时注册监听器。
func WithListener(l Listener) Option {
	return func(m *Machine) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// Machine 控制单个会话的仪式节奏。
type Machine struct {
	mu           sync.Mutex
	sessionID    string
	state        State
	history      []Event
	historyLimit int
	listeners    []Listener
	timing       Timing
	now          func() time.Time
	random       func() float64
	lastChange   time.Time
	log          *slog.Logger
}

// NewMachine 创建处于 IDLE 的状态机。
func NewMachine(sessionID string, opts ...Option) *Machine {
	m := &Machine{
		sessionID:    sessionID,
		state:        StateIdle,
		historyLimit: defaultHistoryLimit,
		timing:       DefaultTiming(),
		now:          time.Now,
		random:       rand.Float64,
		log:          logger.Named("ritual"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.lastChange = m.now()
	m.logTransition(slog.LevelInfo, m.state, "initialized")
	return m
}

// SessionID 返回会话标识。
func (m *Machine) SessionID() string {
	return m.sessionID
}

// Timing 返回当前使用的节奏配置。
func (m *Machine) Timing() Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timing
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition 迁移到 next，非法迁移返回 ErrInvalidTransition。
func (m *Machine) Transition(next State, payload map[string]any) (Event, error) {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, next) {
		m.mu.Unlock()
		return Event{}, xerrors.New(CodeInvalidTransition, fmt.Sprintf("Invalid: %s → %s", from, next),
			xerrors.WithMetadata("session_id", m.sessionID))
	}
	event := m.record(next, payload)
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.logTransition(slog.LevelInfo, next, "from "+string(from))
	m.notify(listeners, event)
	return event, nil
}

// ForceReset 无条件回到 IDLE，用于错误恢复。
func (m *Machine) ForceReset() Event {
	m.mu.Lock()
	from := m.state
	event := m.record(StateIdle, map[string]any{"forced": true})
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.log.Warn("force reset", slog.String("session_id", m.sessionID), slog.String("from", string(from)))
	m.notify(listeners, event)
	return event
}

// ContemplationDelay 返回 [min, max] 区间内的随机沉思时长。
func (m *Machine) ContemplationDelay() time.Duration {
	m.mu.Lock()
	t := m.timing
	r := m.random()
	m.mu.Unlock()
	span := float64(t.ContemplationMax - t.ContemplationMin)
	return t.ContemplationMin + time.Duration(r*span)
}

// AddListener 注册状态变化监听器。
func (m *Machine) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// AcceptingInput 判断是否可以接受新的提问。
func (m *Machine) AcceptingInput() bool {
	return m.State().AcceptsInput()
}

// Info 返回当前状态快照。
func (m *Machine) Info() StateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StateInfo{
		CurrentState:   m.state,
		SessionID:      m.sessionID,
		AcceptingInput: m.state.AcceptsInput(),
		HistoryLength:  len(m.history),
	}
}

// History 返回事件历史的副本。
func (m *Machine) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// settle 在 COMPLETE 停留超过 CompleteToIdle 后回到 IDLE。
func (m *Machine) settle(now time.Time) bool {
	m.mu.Lock()
	if m.state != StateComplete || m.timing.CompleteToIdle <= 0 || now.Sub(m.lastChange) < m.timing.CompleteToIdle {
		m.mu.Unlock()
		return false
	}
	event := m.record(StateIdle, map[string]any{"settled": true})
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.logTransition(slog.LevelDebug, StateIdle, "settled from COMPLETE")
	m.notify(listeners, event)
	return true
}

// record 需在持有锁时调用。
func (m *Machine) record(next State, payload map[string]any) Event {
	now := m.now()
	m.state = next
	m.lastChange = now
	event := Event{State: next, SessionID: m.sessionID, Timestamp: now, Payload: payload}
	m.history = append(m.history, event)
	if m.historyLimit > 0 && len(m.history) > m.historyLimit {
		trimmed := make([]Event, m.historyLimit)
		copy(trimmed, m.history[len(m.history)-m.historyLimit:])
		m.history = trimmed
	}
	return event
}

func (m *Machine) snapshotListeners() []Listener {
	if len(m.listeners) == 0 {
		return nil
	}
	out := make([]Listener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func (m *Machine) notify(listeners []Listener, event Event) {
	for _, l := range listeners {
		m.safeCall(l, event)
	}
}

func (m *Machine) safeCall(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener error",
				slog.String("session_id", m.sessionID),
				slog.String("state", string(event.State)),
				slog.Any("panic", r),
			)
		}
	}()
	l(event)
}

func (m *Machine) logTransition(level slog.Level, state State, detail string) {
	m.log.Log(context.Background(), level, "state",
		slog.String("session_id", m.sessionID),
		slog.String("state", string(state)),
		slog.String("context", detail),
	)
}
