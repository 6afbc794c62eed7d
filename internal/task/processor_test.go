package task

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/orchestrator"
)

type executorFunc func(ctx context.Context, taskID, agentID, goal string) (*orchestrator.Execution, error)

func (f executorFunc) Run(ctx context.Context, taskID, agentID, goal string) (*orchestrator.Execution, error) {
	return f(ctx, taskID, agentID, goal)
}

type recordingProducer struct {
	published []string
}

func (p *recordingProducer) Publish(_ context.Context, taskID string) error {
	p.published = append(p.published, taskID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type recoveryFunc func(ctx context.Context, t *Task, cause error) (*ExecutionResult, error)

func (f recoveryFunc) Recover(ctx context.Context, t *Task, cause error) (*ExecutionResult, error) {
	return f(ctx, t, cause)
}

func newClaimedProcessor(t *testing.T, executor Executor, opts ...ProcessorOption) (*Processor, *MemoryStore, *recordingProducer) {
	t.Helper()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	if err := store.Create(context.Background(), newPendingTask("t-1", "startup-agent", "生成 logo", 3)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewProcessor(executor, store, NewMemoryQueue(4), producer, opts...), store, producer
}

func TestProcessorHandleSuccess(t *testing.T) {
	executor := executorFunc(func(_ context.Context, taskID, agentID, goal string) (*orchestrator.Execution, error) {
		return &orchestrator.Execution{
			TaskID:        taskID,
			AgentID:       agentID,
			Goal:          goal,
			Stage:         orchestrator.StageDone,
			Succeeded:     true,
			Summary:       "共 1 个步骤: 1 成功",
			TotalReleased: 1.0,
		}, nil
	})
	processor, store, _ := newClaimedProcessor(t, executor)

	if err := processor.handle(context.Background(), "t-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if got.Result == nil || got.Result.TotalReleased != 1.0 || got.Result.Stage != string(orchestrator.StageDone) {
		t.Fatalf("result = %+v, want released 1.0 at stage DONE", got.Result)
	}
}

func TestProcessorHandleBusinessFailureIsTerminal(t *testing.T) {
	executor := executorFunc(func(_ context.Context, taskID, agentID, goal string) (*orchestrator.Execution, error) {
		return &orchestrator.Execution{
			TaskID:          taskID,
			AgentID:         agentID,
			Goal:            goal,
			Stage:           orchestrator.StageDone,
			Succeeded:       false,
			EarlyExitReason: "策略拒绝: 日预算耗尽",
			Summary:         "共 1 个步骤: 1 被拒绝",
			TotalRefunded:   1.0,
		}, nil
	})
	processor, store, producer := newClaimedProcessor(t, executor)

	if err := processor.handle(context.Background(), "t-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError != "策略拒绝: 日预算耗尽" {
		t.Fatalf("last error = %q", got.LastError)
	}
	if len(producer.published) != 0 {
		t.Fatalf("business failure must not be republished, got %v", producer.published)
	}
}

func TestProcessorHandleRetryableFailureRepublishes(t *testing.T) {
	executor := executorFunc(func(context.Context, string, string, string) (*orchestrator.Execution, error) {
		return nil, xerrors.New(xerrors.CodePaymentFailure, "签名服务不可达")
	})
	processor, store, producer := newClaimedProcessor(t, executor)

	if err := processor.handle(context.Background(), "t-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != string(xerrors.CodePaymentFailure) {
		t.Fatalf("error code = %s, want %s", got.ErrorCode, xerrors.CodePaymentFailure)
	}
	if len(producer.published) != 1 || producer.published[0] != "t-1" {
		t.Fatalf("published = %v, want [t-1]", producer.published)
	}
}

func TestProcessorRecoveryFallback(t *testing.T) {
	executor := executorFunc(func(context.Context, string, string, string) (*orchestrator.Execution, error) {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "策略文件损坏")
	})
	recovery := recoveryFunc(func(_ context.Context, task *Task, cause error) (*ExecutionResult, error) {
		if task.ID != "t-1" {
			return nil, stdErrors.New("unexpected task")
		}
		return &ExecutionResult{Stage: "DONE"}, nil
	})
	processor, store, producer := newClaimedProcessor(t, executor, WithRecoveryHandler(recovery))

	if err := processor.handle(context.Background(), "t-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded via fallback", got.Status)
	}
	if got.Result == nil || got.Result.Summary == "" {
		t.Fatalf("fallback result must carry a summary, got %+v", got.Result)
	}
	if len(producer.published) != 0 {
		t.Fatalf("fallback must not republish, got %v", producer.published)
	}
}

func TestProcessorSkipsCompletedTask(t *testing.T) {
	executor := executorFunc(func(context.Context, string, string, string) (*orchestrator.Execution, error) {
		t.Fatal("executor must not run for completed tasks")
		return nil, nil
	})
	processor, store, _ := newClaimedProcessor(t, executor)
	if _, err := store.Claim(context.Background(), "t-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkSucceeded(context.Background(), "t-1", ExecutionResult{Summary: "完成", Stage: "DONE"}); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if err := processor.handle(context.Background(), "t-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
}
