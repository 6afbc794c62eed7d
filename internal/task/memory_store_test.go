package task

import (
	"context"
	stdErrors "errors"
	"testing"
)

func newPendingTask(id, agentID, goal string, maxRetries int) *Task {
	return &Task{
		ID:         id,
		AgentID:    agentID,
		Goal:       goal,
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingTask("t-1", "startup-agent", "生成 logo", 3)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := store.Claim(ctx, "t-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claimed = %s attempts=%d, want running/1", claimed.Status, claimed.Attempts)
	}

	if _, err := store.Claim(ctx, "t-1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("second Claim err = %v, want ErrTaskConflict", err)
	}

	result := ExecutionResult{Summary: "1 步骤成功", Stage: "DONE", TotalReleased: 1.0}
	if err := store.MarkSucceeded(ctx, "t-1", result); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if _, err := store.Claim(ctx, "t-1"); !stdErrors.Is(err, ErrTaskCompleted) {
		t.Fatalf("Claim after success err = %v, want ErrTaskCompleted", err)
	}

	got, err := store.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Result == nil || got.Result.Summary != "1 步骤成功" || got.Result.TotalReleased != 1.0 {
		t.Fatalf("result = %+v, want stored summary and release", got.Result)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingTask("t-2", "startup-agent", "查询价格", 1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(ctx, "t-2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "t-2", CodeTaskProcessing, "执行失败", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := store.Claim(ctx, "t-2"); !stdErrors.Is(err, ErrTaskExhausted) {
		t.Fatalf("Claim err = %v, want ErrTaskExhausted", err)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get err = %v, want ErrTaskNotFound", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingTask("t-a", "startup-agent", "生成 logo", 3)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newPendingTask("t-b", "analyst-agent", "分析 BTC 行情", 3)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(ctx, "t-b"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t-b", ExecutionResult{Summary: "行情已分析", Stage: "DONE"}); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	byAgent, err := store.List(ctx, ListOptions{AgentID: "analyst-agent"})
	if err != nil {
		t.Fatalf("List by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != "t-b" {
		t.Fatalf("list by agent = %v, want [t-b]", byAgent)
	}

	byStatus, err := store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "t-a" {
		t.Fatalf("list by status = %v, want [t-a]", byStatus)
	}

	byQuery, err := store.List(ctx, ListOptions{Query: "btc"})
	if err != nil {
		t.Fatalf("List by query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "t-b" {
		t.Fatalf("list by query = %v, want [t-b]", byQuery)
	}

	withResult, err := store.List(ctx, ListOptions{HasResult: boolPtr(true)})
	if err != nil {
		t.Fatalf("List with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "t-b" {
		t.Fatalf("list with result = %v, want [t-b]", withResult)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if err := store.Create(ctx, newPendingTask(id, "startup-agent", "目标 "+id, 3)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "s-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "s-1", ExecutionResult{Summary: "完成", Stage: "DONE", TotalReleased: 1.2, TotalRefunded: 0.3}); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if _, err := store.Claim(ctx, "s-2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "s-2", CodeTaskProcessing, "失败", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want total=3 pending=1 succeeded=1 failed=1", stats)
	}
	if stats.TotalReleased != 1.2 || stats.TotalRefunded != 0.3 {
		t.Fatalf("stats 资金聚合 = %+v, want released=1.2 refunded=0.3", stats)
	}
}

func boolPtr(v bool) *bool {
	return &v
}
