package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"MNEE-Hub/internal/config"
	"MNEE-Hub/pkg/logger"
)

// HTTPTool 调用外部服务商的 HTTP 接口。服务商不可达或未配置时
// 降级返回带 mock 标记的占位产出，任务流程不因单个服务商宕机而中断。
type HTTPTool struct {
	name       string
	url        string
	client     *http.Client
	mockFields func(params map[string]any) map[string]any
}

// NewHTTPTool 构造服务商工具。
func NewHTTPTool(name, url string, timeout time.Duration, mockFields func(map[string]any) map[string]any) *HTTPTool {
	return &HTTPTool{
		name:       name,
		url:        url,
		client:     &http.Client{Timeout: timeout},
		mockFields: mockFields,
	}
}

func (t *HTTPTool) Name() string { return t.name }

// Execute 调用服务商并把任务与调用哈希注入产出，产出因此可以被
// 验证层追溯到这次付费调用。
func (t *HTTPTool) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	if t.url == "" {
		return t.mock(inv), nil
	}
	output, err := t.call(ctx, inv)
	if err != nil {
		logger.Named("tool").Warn("服务商调用失败，返回占位产出",
			"tool", t.name, "task_id", inv.TaskID, "error", err)
		return t.mock(inv), nil
	}
	t.stamp(output, inv)
	return output, nil
}

func (t *HTTPTool) call(ctx context.Context, inv Invocation) (map[string]any, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("服务商返回状态码 %d", resp.StatusCode)
	}
	var output map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, err
	}
	return output, nil
}

func (t *HTTPTool) mock(inv Invocation) map[string]any {
	output := map[string]any{"mock": true}
	if t.mockFields != nil {
		for key, value := range t.mockFields(inv.Params) {
			output[key] = value
		}
	}
	t.stamp(output, inv)
	return output
}

func (t *HTTPTool) stamp(output map[string]any, inv Invocation) {
	if _, ok := output["task_id"]; !ok {
		output["task_id"] = inv.TaskID
	}
	if _, ok := output["service_call_hash"]; !ok {
		output["service_call_hash"] = inv.ServiceCallHash
	}
}

// RespondTool 是唯一的本地工具，直接把结论文本作为产出返回，不产生外部调用。
type RespondTool struct{}

func (t *RespondTool) Name() string { return "respond" }

func (t *RespondTool) Execute(_ context.Context, inv Invocation) (map[string]any, error) {
	text, _ := inv.Params["message"].(string)
	if text == "" {
		text, _ = inv.Params["goal"].(string)
	}
	return map[string]any{
		"text":              text,
		"task_id":           inv.TaskID,
		"service_call_hash": inv.ServiceCallHash,
	}, nil
}

// DefaultRegistry 按配置登记全部服务商工具。
func DefaultRegistry(cfg config.ProviderConfig, timeout time.Duration) *Registry {
	return NewRegistry(
		NewHTTPTool("image_gen", cfg.ImageGenURL, timeout, func(params map[string]any) map[string]any {
			prompt, _ := params["prompt"].(string)
			return map[string]any{"image_url": "https://placeholder.local/image.png", "prompt": prompt}
		}),
		NewHTTPTool("price_oracle", cfg.PriceOracleURL, timeout, func(params map[string]any) map[string]any {
			symbol, _ := params["symbol"].(string)
			return map[string]any{"price": 0.0, "symbol": symbol}
		}),
		NewHTTPTool("batch_compute", cfg.BatchURL, timeout, func(map[string]any) map[string]any {
			return map[string]any{"job_id": "job-placeholder", "status": "queued"}
		}),
		NewHTTPTool("log_archive", cfg.LogArchiveURL, timeout, func(map[string]any) map[string]any {
			return map[string]any{"archive_id": "archive-placeholder"}
		}),
		&RespondTool{},
	)
}
