package consultation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Oracle-Delphi/internal/agent"
	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/pkg/logger"
)

const defaultMaxRetries = 3

// Request 描述一次异步问询的提交参数。
type Request struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
}

// Service 负责问询的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造问询服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建问询并推送到队列，重复提交相同 ID 时返回已有记录。
func (s *Service) Submit(ctx context.Context, req Request) (*Consultation, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, xerrors.New(CodeValidation, "问题不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "问询服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	c := &Consultation{
		ID:         id,
		SessionID:  agent.NormalizeSessionID(req.SessionID),
		Question:   question,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, c); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("问询入队失败", slog.Any("error", err), slog.String("consultation_id", id))
		wrapped := xerrors.Wrap(CodePublish, err, "发布问询到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("问询入队成功",
		slog.String("consultation_id", id),
		slog.String("session_id", c.SessionID),
		slog.Int("max_retries", c.MaxRetries),
	)
	return c, nil
}

// Get 返回指定问询。
func (s *Service) Get(ctx context.Context, id string) (*Consultation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "问询存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的问询列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Consultation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "问询存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "问询存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询直到问询进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Consultation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Done() {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
