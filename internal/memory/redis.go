package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/llm"
)

// RedisConfig 描述 Redis 记忆存储的行为。
type RedisConfig struct {
	KeyPrefix    string
	TTL          time.Duration
	MaxPerThread int
}

// RedisStore 将每个会话保存为一个 Redis list，元素为 JSON 编码的消息。
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	max    int
}

// NewRedisStore 基于已有客户端创建存储。
func NewRedisStore(client goredis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "oracle:thread:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL, max: cfg.MaxPerThread}
}

func (s *RedisStore) key(threadID string) string {
	return s.prefix + threadID
}

// Append 实现 Store 接口。
func (s *RedisStore) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码对话消息失败")
		}
		values = append(values, encoded)
	}

	key := s.key(threadID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.max > 0 {
		pipe.LTrim(ctx, key, int64(-s.max), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 对话失败")
	}
	return nil
}

// Load 实现 Store 接口。
func (s *RedisStore) Load(ctx context.Context, threadID string, limit int) ([]llm.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.key(threadID), start, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 对话失败")
	}
	msgs := make([]llm.Message, 0, len(raw))
	for idx, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析第 %d 条对话失败", idx))
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Clear 实现 Store 接口。
func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 对话失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
