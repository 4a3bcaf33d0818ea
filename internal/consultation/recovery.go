package consultation

import (
	"context"
	"strings"
)

// RecoveryHandler 定义了问询最终失败时的降级策略。
type RecoveryHandler interface {
	// Recover 返回的结果会作为降级回复写入问询；返回 nil 时按失败处理。
	Recover(ctx context.Context, c *Consultation, cause error) (*Result, error)
}

// StaticReply 在神谕无法回应时给出固定的回复。
type StaticReply string

// Recover 实现 RecoveryHandler。
func (r StaticReply) Recover(_ context.Context, _ *Consultation, _ error) (*Result, error) {
	reply := strings.TrimSpace(string(r))
	if reply == "" {
		return nil, nil
	}
	return &Result{Reply: reply}, nil
}
