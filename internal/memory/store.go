package memory

import (
	"context"

	"Oracle-Delphi/internal/llm"
)

// Store 按会话保存对话历史，相当于神谕的记忆。
type Store interface {
	// Append 追加消息，保持调用顺序。
	Append(ctx context.Context, threadID string, msgs ...llm.Message) error
	// Load 返回最近 limit 条消息（按时间正序），limit <= 0 表示全部。
	Load(ctx context.Context, threadID string, limit int) ([]llm.Message, error)
	// Clear 删除会话的全部消息。
	Clear(ctx context.Context, threadID string) error
	Close() error
}

func tail(msgs []llm.Message, limit int) []llm.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
