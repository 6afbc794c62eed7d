package task

import (
	"context"

	xerrors "MNEE-Hub/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	// Create 创建任务，ID 冲突时返回 ErrTaskConflict。
	Create(ctx context.Context, t *Task) error
	// Get 按 ID 查询任务。
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 尝试将 pending 任务原子性地置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	// MarkSucceeded 记录任务成功及其结算结果。
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败；terminal 为 true 时任务不再重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 按过滤条件查询任务。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 返回符合过滤条件的任务聚合信息。
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	// Close 释放底层资源。
	Close() error
}
