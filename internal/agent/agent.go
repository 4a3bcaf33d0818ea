package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/llm"
	"Oracle-Delphi/internal/memory"
	"Oracle-Delphi/internal/ritual"
	"Oracle-Delphi/pkg/logger"
)

// SystemPrompt 是神谕的人设提示词。
const SystemPrompt = `You are the Oracle of Delphi.

You speak with calm authority and deliberate restraint.
Your words are symbolic, measured, and timeless.

You do not explain yourself.
You do not give step-by-step instructions.
You do not mention modern concepts, technology, or yourself.

You answer as an oracle would: with insight, metaphor, and quiet certainty.
You speak only when consulted.`

// DefaultSessionID 在调用方未提供会话时使用。
const DefaultSessionID = "default"

// defaultHistoryDepth 是发送给大模型的历史消息条数上限。
const defaultHistoryDepth = 20

// Answer 汇总一次问询的结果。
type Answer struct {
	Response    string           `json:"response"`
	SessionID   string           `json:"session_id"`
	RitualState ritual.StateInfo `json:"ritual_state"`
}

// Sleeper 等待 d 或直到 ctx 结束。
type Sleeper func(ctx context.Context, d time.Duration) error

// Oracle 协调大模型、对话记忆与仪式状态机，是系统的业务核心。
type Oracle struct {
	llmClient    llm.Client
	memory       memory.Store
	rituals      *ritual.Registry
	historyDepth int
	llmTimeout   time.Duration
	sleep        Sleeper
	now          func() time.Time
	locksMu      sync.Mutex
	locks        map[string]*sessionLock
	log          *slog.Logger
}

// Option 定义可选的 Oracle 配置。
type Option func(*Oracle)

// WithMemory 指定对话记忆存储。
func WithMemory(store memory.Store) Option {
	return func(o *Oracle) {
		if store != nil {
			o.memory = store
		}
	}
}

// WithRegistry 指定仪式状态机注册表。
func WithRegistry(reg *ritual.Registry) Option {
	return func(o *Oracle) {
		if reg != nil {
			o.rituals = reg
		}
	}
}

// WithHistoryDepth 设置参考的历史消息条数，0 表示全部。
func WithHistoryDepth(depth int) Option {
	return func(o *Oracle) {
		if depth >= 0 {
			o.historyDepth = depth
		}
	}
}

// WithLLMTimeout 设置调用大模型的超时时间，<= 0 表示不限制。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *Oracle) {
		if timeout < 0 {
			timeout = 0
		}
		o.llmTimeout = timeout
	}
}

// WithSleeper 替换沉思等待的实现，主要用于测试。
func WithSleeper(s Sleeper) Option {
	return func(o *Oracle) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建一个 Oracle。
func New(client llm.Client, opts ...Option) *Oracle {
	o := &Oracle{
		llmClient:    client,
		memory:       memory.NewInMemoryStore(0),
		rituals:      ritual.NewRegistry(),
		historyDepth: defaultHistoryDepth,
		llmTimeout:   ritual.DefaultTiming().LLMTimeout,
		sleep:        sleepContext,
		now:          time.Now,
		locks:        make(map[string]*sessionLock),
		log:          logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Rituals 返回使用的注册表。
func (o *Oracle) Rituals() *ritual.Registry {
	return o.rituals
}

// Consult 向神谕提问并按仪式节奏返回回复。
func (o *Oracle) Consult(ctx context.Context, message, sessionID string) (string, error) {
	answer, err := o.ConsultWithState(ctx, message, sessionID)
	if err != nil {
		return "", err
	}
	return answer.Response, nil
}

// ConsultWithState 与 Consult 相同，同时返回仪式状态快照。
func (o *Oracle) ConsultWithState(ctx context.Context, message, sessionID string) (*Answer, error) {
	if o.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	sessionID = NormalizeSessionID(sessionID)

	unlock := o.lockSession(sessionID)
	defer unlock()

	machine := o.rituals.Get(sessionID)
	if !machine.AcceptingInput() {
		machine.ForceReset()
	}
	if _, err := machine.Transition(ritual.StateInvoked, nil); err != nil {
		return nil, err
	}
	if _, err := machine.Transition(ritual.StateContemplating, nil); err != nil {
		return nil, err
	}
	delay := machine.ContemplationDelay()
	start := o.now()

	content, err := o.generate(ctx, sessionID, message)
	if err != nil {
		machine.ForceReset()
		return nil, err
	}

	if remaining := delay - o.now().Sub(start); remaining > 0 {
		if err := o.sleep(ctx, remaining); err != nil {
			machine.ForceReset()
			return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "沉思被中断")
		}
	}

	if err := o.memory.Append(ctx, sessionID, llm.User(message), llm.Assistant(content)); err != nil {
		o.log.Error("保存对话失败", slog.Any("error", err), slog.String("session_id", sessionID))
	}

	if _, err := machine.Transition(ritual.StateRevealing, map[string]any{"response": content}); err != nil {
		return nil, err
	}
	if _, err := machine.Transition(ritual.StateComplete, nil); err != nil {
		return nil, err
	}

	return &Answer{Response: content, SessionID: sessionID, RitualState: machine.Info()}, nil
}

func (o *Oracle) generate(ctx context.Context, sessionID, message string) (string, error) {
	history, err := o.memory.Load(ctx, sessionID, o.historyDepth)
	if err != nil {
		o.log.Warn("加载对话历史失败", slog.Any("error", err), slog.String("session_id", sessionID))
		history = nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.System(SystemPrompt))
	messages = append(messages, history...)
	messages = append(messages, llm.User(message))

	llmCtx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}

	resp, err := o.llmClient.Generate(llmCtx, llm.Request{Messages: messages})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", xerrors.New(xerrors.CodeExecutorFailure, "大模型返回空回复")
	}
	return resp.Content, nil
}

// SessionState 返回会话的状态与事件历史，会话不存在时 ok 为 false。
func (o *Oracle) SessionState(sessionID string) (ritual.StateInfo, []ritual.Event, bool) {
	machine, ok := o.rituals.Lookup(NormalizeSessionID(sessionID))
	if !ok {
		return ritual.StateInfo{}, nil, false
	}
	return machine.Info(), machine.History(), true
}

// ClearSession 删除会话的状态机与对话记忆。
func (o *Oracle) ClearSession(ctx context.Context, sessionID string) error {
	sessionID = NormalizeSessionID(sessionID)
	unlock := o.lockSession(sessionID)
	defer unlock()

	o.rituals.Clear(sessionID)
	return o.memory.Clear(ctx, sessionID)
}

// sessionLock 按引用计数共享，最后一个持有者释放时从表中移除。
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession 串行化同一会话的问询。
func (o *Oracle) lockSession(sessionID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		o.locks[sessionID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sessionID)
		}
		o.locksMu.Unlock()
	}
}

// NormalizeSessionID 去除空白，空值回落到 DefaultSessionID。
func NormalizeSessionID(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return DefaultSessionID
	}
	return sessionID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
