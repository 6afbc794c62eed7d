package task

import "context"

// RecoveryHandler 在编排执行抛出不可重试错误时提供最后一道降级出口。
// 典型实现是把任务交给人工队列，或用缓存结果顶替本次执行。
type RecoveryHandler interface {
	// Recover 根据失败原因产出降级结果。返回非 nil 的 ExecutionResult
	// 时任务按成功落库；返回 nil 表示放弃降级，走正常失败流程。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}
