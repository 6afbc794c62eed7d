package advisor

import (
	"context"
	"fmt"
	"strings"
)

// suspiciousKeywords 是目标文本中直接触发高风险的词。
var suspiciousKeywords = []string{"drain", "bypass", "unlimited", "清空", "绕过"}

// HeuristicGuardian 用确定性规则评估任务风险，不依赖外部服务。
type HeuristicGuardian struct{}

// NewHeuristicGuardian 构造启发式守护器。
func NewHeuristicGuardian() *HeuristicGuardian {
	return &HeuristicGuardian{}
}

// AssessTask 按规则累计风险分：可疑目标直接顶到阻断线，
// 计划开销超预算、步骤过多各自加分。
func (g *HeuristicGuardian) AssessTask(_ context.Context, taskCtx TaskContext) (Verdict, error) {
	verdict := Verdict{}
	lowered := strings.ToLower(taskCtx.Goal)

	for _, keyword := range suspiciousKeywords {
		if strings.Contains(lowered, keyword) {
			verdict.RiskScore += blockThreshold
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("目标包含可疑关键词 %q", keyword))
			break
		}
	}
	if taskCtx.DailyBudget > 0 {
		switch {
		case taskCtx.PlannedCost > taskCtx.DailyBudget:
			verdict.RiskScore += 5
			verdict.Reasons = append(verdict.Reasons, "计划开销超出日预算")
		case taskCtx.PlannedCost > taskCtx.DailyBudget/2:
			verdict.RiskScore += 3
			verdict.Reasons = append(verdict.Reasons, "计划开销超过日预算一半")
		}
	}
	if taskCtx.StepCount > 5 {
		verdict.RiskScore += 2
		verdict.Reasons = append(verdict.Reasons, "计划步骤过多")
	}

	if verdict.RiskScore > 10 {
		verdict.RiskScore = 10
	}
	verdict.Blocked = verdict.RiskScore >= blockThreshold
	return verdict, nil
}
