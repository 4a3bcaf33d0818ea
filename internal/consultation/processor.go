package consultation

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"Oracle-Delphi/internal/agent"
	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/pkg/logger"
)

// Executor 是处理器所需的神谕能力。
type Executor interface {
	ConsultWithState(ctx context.Context, message, sessionID string) (*agent.Answer, error)
}

// Outcome 描述一次处理的结果，用于指标统计。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeSkipped   Outcome = "skipped"
)

// Processor 负责从队列消费问询并交给神谕执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	log         *slog.Logger
	observe     func(Outcome)
	recovery    RecoveryHandler
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithOutcomeObserver 在每次处理结束后回调。
func WithOutcomeObserver(fn func(Outcome)) ProcessorOption {
	return func(p *Processor) {
		p.observe = fn
	}
}

// WithRecoveryHandler 配置最终失败时的降级策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		log:         logger.Named("consultation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置问询消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	c, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrExhausted) || stdErrors.Is(err, ErrConflict) {
			p.log.Debug("跳过问询", slog.String("consultation_id", id), slog.String("reason", err.Error()))
			p.record(OutcomeSkipped)
			return nil
		}
		p.log.Error("领取问询失败", slog.Any("error", err), slog.String("consultation_id", id))
		return err
	}

	answer, execErr := p.executor.ConsultWithState(ctx, c.Question, c.SessionID)
	if execErr != nil {
		return p.handleFailure(ctx, c, execErr)
	}

	result := Result{Reply: answer.Response, RitualState: answer.RitualState}
	if err := p.store.MarkSucceeded(context.WithoutCancel(ctx), c.ID, result); err != nil {
		p.log.Error("标记问询成功失败", slog.Any("error", err), slog.String("consultation_id", c.ID))
		return p.handleFailure(ctx, c, xerrors.Wrap(CodeProcessing, err, "记录神谕失败"))
	}
	logger.Audit().Info("问询完成",
		slog.String("consultation_id", c.ID),
		slog.String("session_id", c.SessionID),
		slog.Int("attempts", c.Attempts),
	)
	p.record(OutcomeSucceeded)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, c *Consultation, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || c.Attempts >= c.MaxRetries

	if terminal && p.recovery != nil {
		if p.degrade(ctx, c, execErr) {
			return nil
		}
	}

	// 停机取消 ctx 时仍要落盘结果，否则记录会一直停留在 running。
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), c.ID, code, execErr.Error(), terminal); err != nil {
		p.log.Error("标记问询失败状态出错", slog.Any("error", err), slog.String("consultation_id", c.ID))
		return err
	}
	logger.Audit().Warn("问询失败",
		slog.String("consultation_id", c.ID),
		slog.String("session_id", c.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", c.Attempts),
		slog.Int("max_retries", c.MaxRetries),
	)

	if terminal {
		p.record(OutcomeFailed)
		return nil
	}
	if err := p.producer.Publish(ctx, c.ID); err != nil {
		return xerrors.Wrap(CodePublish, err, fmt.Sprintf("问询 %s 重投失败", c.ID))
	}
	p.log.Debug("问询已重新排队", slog.String("consultation_id", c.ID), slog.Int("attempts", c.Attempts))
	p.record(OutcomeRetried)
	return nil
}

// degrade 尝试写入降级回复，返回 true 表示问询已以降级结果结束。
func (p *Processor) degrade(ctx context.Context, c *Consultation, execErr error) bool {
	fallback, err := p.recovery.Recover(ctx, c, execErr)
	if err != nil {
		p.log.Error("执行降级逻辑失败", slog.Any("error", err), slog.String("consultation_id", c.ID))
		return false
	}
	if fallback == nil {
		return false
	}
	if err := p.store.MarkSucceeded(context.WithoutCancel(ctx), c.ID, *fallback); err != nil {
		p.log.Error("记录降级结果失败", slog.Any("error", err), slog.String("consultation_id", c.ID))
		return false
	}
	logger.Audit().Warn("问询降级完成",
		slog.String("consultation_id", c.ID),
		slog.String("session_id", c.SessionID),
		slog.String("cause", execErr.Error()),
	)
	p.record(OutcomeDegraded)
	return true
}

func (p *Processor) record(outcome Outcome) {
	if p.observe != nil {
		p.observe(outcome)
	}
}
