package ritual

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry 按会话管理状态机。
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	opts     []Option
}

// NewRegistry 创建注册表，opts 会应用到每个新建的状态机。
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		opts:     opts,
	}
}

// Get 返回会话对应的状态机，不存在时创建。
func (r *Registry) Get(sessionID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[sessionID]; ok {
		return m
	}
	m := NewMachine(sessionID, r.opts...)
	r.machines[sessionID] = m
	return m
}

// Lookup 仅查询已存在的状态机。
func (r *Registry) Lookup(sessionID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[sessionID]
	return m, ok
}

// Clear 删除会话，返回是否存在。
func (r *Registry) Clear(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.machines[sessionID]; !ok {
		return false
	}
	delete(r.machines, sessionID)
	return true
}

// Sessions 返回排序后的会话列表。
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len 返回会话数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// SettleIdle 将在 COMPLETE 停留过久的会话带回 IDLE，返回处理数量。
func (r *Registry) SettleIdle() int {
	return r.SettleIdleAt(time.Now())
}

// SettleIdleAt 以给定时刻为准执行 SettleIdle。
func (r *Registry) SettleIdleAt(now time.Time) int {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	settled := 0
	for _, m := range machines {
		if m.settle(now) {
			settled++
		}
	}
	return settled
}

// StartSettler 周期性调用 SettleIdle，直到 ctx 取消。
func (r *Registry) StartSettler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SettleIdle()
			}
		}
	}()
}
