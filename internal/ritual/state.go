package ritual

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "Oracle-Delphi/internal/errors"
)

// State 表示神谕仪式所处的阶段。
type State string

const (
	StateIdle          State = "IDLE"
	StateInvoked       State = "INVOKED"
	StateContemplating State = "CONTEMPLATING"
	StateRevealing     State = "REVEALING"
	StateComplete      State = "COMPLETE"
)

// transitions 列出每个状态允许进入的下一个状态。
var transitions = map[State][]State{
	StateIdle:          {StateInvoked},
	StateInvoked:       {StateContemplating},
	StateContemplating: {StateRevealing},
	StateRevealing:     {StateComplete},
	StateComplete:      {StateIdle, StateInvoked},
}

// States 按仪式顺序返回全部状态。
func States() []State {
	return []State{StateIdle, StateInvoked, StateContemplating, StateRevealing, StateComplete}
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid 判断是否为已知状态。
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AcceptsInput 判断该状态下能否接受新的提问。
func (s State) AcceptsInput() bool {
	return s == StateIdle || s == StateComplete
}

// Timing 控制仪式节奏。
type Timing struct {
	ContemplationMin time.Duration
	ContemplationMax time.Duration
	CompleteToIdle   time.Duration
	LLMTimeout       time.Duration
}

// DefaultTiming 返回默认的仪式节奏。
func DefaultTiming() Timing {
	return Timing{
		ContemplationMin: 1500 * time.Millisecond,
		ContemplationMax: 4 * time.Second,
		CompleteToIdle:   2 * time.Second,
		LLMTimeout:       30 * time.Second,
	}
}

func (t Timing) normalized() Timing {
	if t.ContemplationMin < 0 {
		t.ContemplationMin = 0
	}
	if t.ContemplationMax < t.ContemplationMin {
		t.ContemplationMax = t.ContemplationMin
	}
	return t
}

// Event 在每次状态变化时产生。
type Event struct {
	State     State
	SessionID string
	Timestamp time.Time
	Payload   map[string]any
}

// MarshalJSON 输出 {"state","session_id","timestamp","payload"}，timestamp 为带小数的 Unix 秒。
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State     State          `json:"state"`
		SessionID string         `json:"session_id"`
		Timestamp float64        `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}{
		State:     e.State,
		SessionID: e.SessionID,
		Timestamp: float64(e.Timestamp.UnixNano()) / float64(time.Second),
		Payload:   e.Payload,
	})
}

// StateInfo 是提供给前端的状态快照。
type StateInfo struct {
	CurrentState   State  `json:"current_state"`
	SessionID      string `json:"session_id"`
	AcceptingInput bool   `json:"accepting_input"`
	HistoryLength  int    `json:"history_length"`
}

// CodeInvalidTransition 表示请求了状态表之外的迁移。
const CodeInvalidTransition xerrors.Code = "RITUAL_INVALID_TRANSITION"

// ErrInvalidTransition 可用于 errors.Is 判断。
var ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid ritual transition")

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "invalid ritual transition",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		HTTPStatus: http.StatusConflict,
	})
}
