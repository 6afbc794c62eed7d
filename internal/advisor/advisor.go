// Package advisor 提供编排器的两类顾问：规划器负责把任务目标拆成
// 可付费的服务调用步骤，守护器负责在执行前做整体风险评估。
// 两者都可以由大模型驱动，也都有确定性的本地实现兜底。
package advisor

import "context"

// Step 是计划中的一个服务调用步骤。
type Step struct {
	Delegate    string         `json:"delegate"`
	ServiceID   string         `json:"service_id"`
	Quantity    int            `json:"quantity"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Plan 是规划器给出的执行计划。
type Plan struct {
	Goal      string `json:"goal"`
	Steps     []Step `json:"steps"`
	Rationale string `json:"rationale,omitempty"`
}

// Planner 把任务目标转换为执行计划。
type Planner interface {
	PlanTask(ctx context.Context, taskID, goal string) (Plan, error)
}

// TaskContext 是守护器评估所需的任务上下文。
type TaskContext struct {
	TaskID      string
	AgentID     string
	Goal        string
	PlannedCost float64
	DailyBudget float64
	StepCount   int
}

// blockThreshold 是守护器的阻断线，风险分达到该值的任务直接终止。
const blockThreshold = 8

// Verdict 是守护器的评估结论，风险分取值 0 到 10。
type Verdict struct {
	RiskScore int      `json:"risk_score"`
	Blocked   bool     `json:"blocked"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Guardian 在任务执行前做整体风险评估。
type Guardian interface {
	AssessTask(ctx context.Context, taskCtx TaskContext) (Verdict, error)
}
