package consultation

import (
	"context"

	xerrors "Oracle-Delphi/internal/errors"
)

// Store 抽象了问询状态的持久化接口。
type Store interface {
	Create(ctx context.Context, c *Consultation) error
	Get(ctx context.Context, id string) (*Consultation, error)
	// Claim 将问询置为运行中并递增尝试次数。
	Claim(ctx context.Context, id string) (*Consultation, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败原因，terminal 为 true 时问询不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Consultation, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
