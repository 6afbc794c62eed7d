// Package verify 实现分层验证漏斗：本地规则先行，结论模糊时升级到
// 网络仲裁层。每一层给出 0 到 1 的评分，只有评分达到放行阈值才算
// 验证通过。一致性预言机不参与自动漏斗，只在托管争议仲裁时运行。
package verify

import "context"

// Request 是一次待验证的服务产出。
type Request struct {
	TaskID          string         `json:"task_id"`
	ServiceID       string         `json:"service_id"`
	ServiceCallHash string         `json:"service_call_hash"`
	Output          map[string]any `json:"output"`
}

// Outcome 是单层验证的结论。
type Outcome struct {
	Layer  string  `json:"layer"`
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
	Detail string  `json:"detail,omitempty"`
}

// Layer 是验证漏斗中的一层。
type Layer interface {
	Name() string
	Verify(ctx context.Context, req Request) (Outcome, error)
}

// Result 汇总整条漏斗的验证过程，Passed 与 Score 取自最终生效的那一层。
type Result struct {
	Passed   bool      `json:"passed"`
	Score    float64   `json:"score"`
	Final    string    `json:"final_layer"`
	Outcomes []Outcome `json:"outcomes"`
}

// Thresholds 控制漏斗的放行与升级判定。
type Thresholds struct {
	// Pass 是放行阈值，评分达到该值视为通过。
	Pass float64
	// Escalate 是升级阈值：本层未通过但评分不低于该值时继续升级，
	// 低于该值说明产出明显无效，直接判定失败。
	Escalate float64
}

// DefaultThresholds 是默认的放行与升级阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{Pass: 0.7, Escalate: 0.3}
}

// Funnel 按顺序执行各验证层。
type Funnel struct {
	layers     []Layer
	thresholds Thresholds
}

// NewFunnel 构造验证漏斗，层顺序即升级顺序。
func NewFunnel(thresholds Thresholds, layers ...Layer) *Funnel {
	if thresholds.Pass <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Funnel{layers: layers, thresholds: thresholds}
}

// Verify 逐层验证：某层通过即提前返回，未通过但评分达到升级阈值时
// 进入下一层，否则以该层结论收尾。层自身出错按 0.1 分失败处理。
func (f *Funnel) Verify(ctx context.Context, req Request) Result {
	result := Result{}
	for i, layer := range f.layers {
		outcome, err := layer.Verify(ctx, req)
		if err != nil {
			outcome = Outcome{Layer: layer.Name(), Score: 0.1, Passed: false, Detail: err.Error()}
		}
		outcome.Passed = outcome.Score >= f.thresholds.Pass
		result.Outcomes = append(result.Outcomes, outcome)
		result.Final = outcome.Layer
		result.Score = outcome.Score
		result.Passed = outcome.Passed

		if outcome.Passed {
			return result
		}
		if outcome.Score < f.thresholds.Escalate {
			return result
		}
		if i == len(f.layers)-1 {
			return result
		}
	}
	return result
}
