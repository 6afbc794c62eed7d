package advisor

import (
	"context"
	"strings"
)

// KeywordPlanner 是确定性的关键词规划器，在大模型不可用时保证任务
// 仍能得到一份合理的计划。
type KeywordPlanner struct{}

// NewKeywordPlanner 构造关键词规划器。
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{}
}

// PlanTask 按目标中的关键词匹配服务，默认回退为纯文本答复。
func (p *KeywordPlanner) PlanTask(_ context.Context, _ string, goal string) (Plan, error) {
	lowered := strings.ToLower(goal)
	plan := Plan{Goal: goal}

	switch {
	case containsAny(lowered, "logo", "image", "图", "设计", "design"):
		plan.Steps = []Step{{
			Delegate:    "startup-designer",
			ServiceID:   "image_gen",
			Quantity:    1,
			Params:      map[string]any{"prompt": goal},
			Description: "生成图像",
		}}
		plan.Rationale = "目标涉及图像生成"
	case containsAny(lowered, "price", "market", "价格", "行情"):
		plan.Steps = []Step{
			{
				Delegate:    "analyst",
				ServiceID:   "price_oracle",
				Quantity:    1,
				Params:      map[string]any{"symbol": extractSymbol(lowered)},
				Description: "查询价格",
			},
			{
				Delegate:    "analyst",
				ServiceID:   "batch_compute",
				Quantity:    1,
				Params:      map[string]any{"job": "market_analysis", "goal": goal},
				Description: "行情分析",
			},
		}
		plan.Rationale = "目标涉及行情查询与分析"
	case containsAny(lowered, "batch", "compute", "计算"):
		plan.Steps = []Step{{
			ServiceID:   "batch_compute",
			Quantity:    1,
			Params:      map[string]any{"goal": goal},
			Description: "批量计算",
		}}
		plan.Rationale = "目标涉及批量计算"
	case containsAny(lowered, "archive", "log", "归档", "日志"):
		plan.Steps = []Step{{
			ServiceID:   "log_archive",
			Quantity:    1,
			Params:      map[string]any{"goal": goal},
			Description: "日志归档",
		}}
		plan.Rationale = "目标涉及日志归档"
	default:
		plan.Steps = []Step{{
			ServiceID:   "respond",
			Quantity:    1,
			Params:      map[string]any{"goal": goal},
			Description: "直接答复",
		}}
		plan.Rationale = "无需外部服务"
	}
	return plan, nil
}

func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// extractSymbol 从目标里粗提币种符号，提不出来就用默认值。
func extractSymbol(goal string) string {
	for _, symbol := range []string{"btc", "eth", "sol", "mnee"} {
		if strings.Contains(goal, symbol) {
			return strings.ToUpper(symbol)
		}
	}
	return "MNEE"
}
