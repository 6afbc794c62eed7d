// Package orchestrator 驱动一次任务从规划到结算的完整生命周期。
// 阶段顺序固定：规划、守护评估、托管锁定、执行、验证、托管结算、
// 反馈、总结。任何阶段触发提前退出时，后续执行步骤被跳过，
// 仍在途的托管资金在反馈阶段清退。
package orchestrator

import (
	"fmt"
	"time"

	"MNEE-Hub/internal/advisor"
	"MNEE-Hub/internal/escrow"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/verify"
)

// Stage 是任务当前所处的阶段。
type Stage string

const (
	StagePlan         Stage = "PLAN"
	StageGuard        Stage = "GUARD"
	StageEscrowLock   Stage = "ESCROW_LOCK"
	StageExecute      Stage = "EXECUTE"
	StageVerify       Stage = "VERIFY"
	StageEscrowSettle Stage = "ESCROW_SETTLE"
	StageFeedback     Stage = "FEEDBACK"
	StageSummarize    Stage = "SUMMARIZE"
	StageDone         Stage = "DONE"
)

// StepStatus 是单个计划步骤的执行状态。
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusDenied  StepStatus = "denied"
	StepStatusSkipped StepStatus = "skipped"
)

// Settlement 是结算匹配结果：完全成功计满分并释放资金，
// 明确失败计零分，介于两者之间的按半分处理且不释放。
type Settlement struct {
	Score    float64 `json:"score"`
	Released bool    `json:"released"`
	Amount   float64 `json:"amount"`
}

// StepExecution 记录一个计划步骤走过的完整路径。
type StepExecution struct {
	Step            advisor.Step    `json:"step"`
	Status          StepStatus      `json:"status"`
	Decision        policy.Decision `json:"decision"`
	ServiceCallHash string          `json:"service_call_hash,omitempty"`
	DelegationFee   float64         `json:"delegation_fee,omitempty"`
	EscrowID        string          `json:"escrow_id,omitempty"`
	Output          map[string]any  `json:"output,omitempty"`
	Verification    verify.Result   `json:"verification,omitempty"`
	Settlement      Settlement      `json:"settlement"`
	Detail          string          `json:"detail,omitempty"`
}

// Execution 是一次任务运行的全量状态。
type Execution struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Goal    string `json:"goal"`

	Stage   Stage           `json:"stage"`
	Plan    advisor.Plan    `json:"plan"`
	Verdict advisor.Verdict `json:"verdict"`
	Steps   []*StepExecution `json:"steps"`

	EarlyExit       bool   `json:"early_exit"`
	EarlyExitReason string `json:"early_exit_reason,omitempty"`

	TotalReleased float64  `json:"total_released"`
	TotalRefunded float64  `json:"total_refunded"`
	Feedback      []string `json:"feedback,omitempty"`
	Summary       string   `json:"summary"`
	Succeeded     bool     `json:"succeeded"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// abort 标记提前退出，只记录第一个触发原因。
func (e *Execution) abort(reason string) {
	if !e.EarlyExit {
		e.EarlyExit = true
		e.EarlyExitReason = reason
	}
}

// escrowRefs 返回已开立托管单的步骤。
func (e *Execution) escrowRefs() []*StepExecution {
	var refs []*StepExecution
	for _, step := range e.Steps {
		if step.EscrowID != "" {
			refs = append(refs, step)
		}
	}
	return refs
}

// settlementFor 按步骤终态做结算匹配。
func settlementFor(step *StepExecution) Settlement {
	switch {
	case step.Status == StepStatusSuccess && step.Verification.Passed:
		return Settlement{Score: 1.0, Released: true}
	case step.Status == StepStatusFailed || step.Status == StepStatusDenied:
		return Settlement{Score: 0.0, Released: false}
	default:
		return Settlement{Score: 0.5, Released: false}
	}
}

// escrowSettled 判断托管单是否已处于终态。
func escrowSettled(record escrow.Record) bool {
	return record.State.Terminal()
}

// workRef 从工具输出中提取可追溯的交付物引用。
func workRef(serviceID string, output map[string]any) string {
	for _, key := range []string{"image_url", "price", "job_id", "archive_id", "text"} {
		if value, ok := output[key]; ok {
			return fmt.Sprintf("%s:%v", serviceID, value)
		}
	}
	return serviceID + ":output"
}
