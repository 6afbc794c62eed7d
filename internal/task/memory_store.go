package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "MNEE-Hub/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[t.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch t.Status {
	case StatusSucceeded:
		return cloneTask(t), ErrTaskCompleted
	case StatusRunning:
		return cloneTask(t), ErrTaskConflict
	}
	if t.Attempts >= t.MaxRetries {
		return cloneTask(t), ErrTaskExhausted
	}
	t.Status = StatusRunning
	t.Attempts++
	t.LastError = ""
	t.ErrorCode = ""
	t.UpdatedAt = time.Now().Unix()
	return cloneTask(t), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusSucceeded
	t.Result = &result
	t.LastError = ""
	t.ErrorCode = ""
	t.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusFailed
	t.LastError = lastError
	t.ErrorCode = string(code)
	t.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务，按更新时间排序。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !matchesListFilters(t, opts) {
			continue
		}
		results = append(results, cloneTask(t))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, t := range m.tasks {
		if !matchesListFilters(t, opts) {
			continue
		}
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if t.Result != nil {
			stats.TotalReleased += t.Result.TotalReleased
			stats.TotalRefunded += t.Result.TotalRefunded
		}
		if t.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = t.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (t.UpdatedAt != 0 && t.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = t.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTask(t *Task) *Task {
	clone := *t
	if t.Result != nil {
		resultCopy := *t.Result
		if t.Result.Feedback != nil {
			resultCopy.Feedback = append([]string(nil), t.Result.Feedback...)
		}
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(t.Metadata)
	return &clone
}

func matchesListFilters(t *Task, opts ListOptions) bool {
	if opts.AgentID != "" && t.AgentID != opts.AgentID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if t.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && t.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && t.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && taskHasResult(t) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(t, opts.Query) {
		return false
	}
	return true
}

func taskHasResult(t *Task) bool {
	if t == nil || t.Result == nil {
		return false
	}
	result := t.Result
	return result.Summary != "" || result.Stage != "" || result.TotalReleased > 0 || result.TotalRefunded > 0
}

func matchesQuery(t *Task, query string) bool {
	needle := strings.ToLower(query)
	if strings.Contains(strings.ToLower(t.Goal), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(t.AgentID), needle) {
		return true
	}
	if t.Result != nil && strings.Contains(strings.ToLower(t.Result.Summary), needle) {
		return true
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
