package consultation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Oracle-Delphi/internal/errors"
)

// MemoryStore 以内存方式保存问询状态。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Consultation
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Consultation), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, c *Consultation) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "问询不能为空")
	}
	if strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "问询 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[c.ID]; ok {
		return ErrConflict
	}
	now := m.now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.items[c.ID] = clone(c)
	return nil
}

// Get 返回问询。
func (m *MemoryStore) Get(_ context.Context, id string) (*Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Claim 将问询状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch c.Status {
	case StatusSucceeded:
		return clone(c), ErrCompleted
	case StatusRunning:
		return clone(c), ErrConflict
	}
	if c.Attempts >= c.MaxRetries {
		return clone(c), ErrExhausted
	}
	c.Status = StatusRunning
	c.Attempts++
	c.LastError = ""
	c.ErrorCode = ""
	c.UpdatedAt = m.now().Unix()
	return clone(c), nil
}

// MarkSucceeded 记录神谕的回复。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusSucceeded
	c.Result = &result
	c.LastError = ""
	c.ErrorCode = ""
	c.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记问询失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusFailed
	c.LastError = lastError
	c.ErrorCode = string(code)
	if terminal && c.Attempts < c.MaxRetries {
		c.Attempts = c.MaxRetries
	}
	c.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的问询。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Consultation, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Consultation, 0, len(m.items))
	for _, c := range m.items {
		if matchesListFilters(c, opts) {
			results = append(results, clone(c))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Consultation{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的问询数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, c := range m.items {
		if matchesListFilters(c, opts) {
			stats.add(c)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(c *Consultation, opts ListOptions) bool {
	if opts.SessionID != "" && c.SessionID != opts.SessionID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if c.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && c.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && c.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && hasResult(c) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(c, opts.Query) {
		return false
	}
	return true
}

func hasResult(c *Consultation) bool {
	return c != nil && c.Result != nil && c.Result.Reply != ""
}

func matchesQuery(c *Consultation, query string) bool {
	query = strings.ToLower(query)
	fields := []string{c.ID, c.SessionID, c.Question, c.LastError}
	if c.Result != nil {
		fields = append(fields, c.Result.Reply)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
