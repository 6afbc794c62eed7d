package verify

import (
	"context"
	"fmt"
)

// expectedFields 是每种服务产出必须携带的关键字段。
var expectedFields = map[string]string{
	"image_gen":     "image_url",
	"price_oracle":  "price",
	"batch_compute": "job_id",
	"log_archive":   "archive_id",
	"respond":       "text",
}

// LocalLayer 用确定性规则做第一道验证，不依赖任何外部服务。
type LocalLayer struct{}

// NewLocalLayer 构造本地规则层。
func NewLocalLayer() *LocalLayer {
	return &LocalLayer{}
}

func (l *LocalLayer) Name() string { return "local" }

// Verify 按固定规则打分：空产出 0.0，产出自带错误 0.1，
// 关键字段齐全 0.9，缺失 0.3。
func (l *LocalLayer) Verify(_ context.Context, req Request) (Outcome, error) {
	outcome := Outcome{Layer: l.Name()}

	if len(req.Output) == 0 {
		outcome.Score = 0.0
		outcome.Detail = "产出为空"
		return outcome, nil
	}
	if errValue, ok := req.Output["error"]; ok && errValue != nil && errValue != "" {
		outcome.Score = 0.1
		outcome.Detail = fmt.Sprintf("产出携带错误: %v", errValue)
		return outcome, nil
	}

	field, known := expectedFields[req.ServiceID]
	if !known {
		// 未登记的服务只做空值与错误检查，给中性分交给上层裁决。
		outcome.Score = 0.5
		outcome.Detail = "服务未登记关键字段"
		return outcome, nil
	}
	if value, ok := req.Output[field]; ok && value != nil && value != "" {
		outcome.Score = 0.9
		return outcome, nil
	}
	outcome.Score = 0.3
	outcome.Detail = fmt.Sprintf("缺少关键字段 %s", field)
	return outcome, nil
}
