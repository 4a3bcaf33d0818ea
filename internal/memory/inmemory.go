package memory

import (
	"context"
	"sync"

	"Oracle-Delphi/internal/llm"
)

// InMemoryStore 使用进程内 map 保存对话。
type InMemoryStore struct {
	mu        sync.RWMutex
	threads   map[string][]llm.Message
	maxPerKey int
}

// NewInMemoryStore 创建内存存储，maxPerThread <= 0 表示不限制长度。
func NewInMemoryStore(maxPerThread int) *InMemoryStore {
	return &InMemoryStore{threads: make(map[string][]llm.Message), maxPerKey: maxPerThread}
}

// Append 实现 Store 接口。
func (s *InMemoryStore) Append(_ context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := append(s.threads[threadID], msgs...)
	if s.maxPerKey > 0 && len(thread) > s.maxPerKey {
		thread = append([]llm.Message(nil), thread[len(thread)-s.maxPerKey:]...)
	}
	s.threads[threadID] = thread
	return nil
}

// Load 实现 Store 接口。
func (s *InMemoryStore) Load(_ context.Context, threadID string, limit int) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.threads[threadID], limit), nil
}

// Clear 实现 Store 接口。
func (s *InMemoryStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}

// Close 对内存存储无需操作。
func (s *InMemoryStore) Close() error { return nil }

var _ Store = (*InMemoryStore)(nil)
