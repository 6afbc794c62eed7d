package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MNEE-Hub/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// ClientConfig 描述调用 OpenAI 兼容 Chat Completions 接口所需的信息。
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型接口。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建大模型客户端。
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供大模型 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Chat 发送一轮系统加用户消息，返回模型的文本回复。
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": 0.2,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化大模型请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建大模型请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求大模型失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("大模型返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析大模型响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("大模型响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("大模型响应内容为空")
	}
	return content, nil
}

const plannerSystemPrompt = "" +
	"You plan paid service calls for autonomous agents. " +
	"Available services: image_gen, price_oracle, batch_compute, log_archive, respond. " +
	"Always respond with a compact JSON object: " +
	"{\"steps\": [{\"delegate\": string, \"service_id\": string, \"quantity\": int, \"params\": object, \"description\": string}], \"rationale\": string}."

// LLMPlanner 用大模型生成执行计划，模型出错或输出不可解析时
// 回退到关键词规划器，任务规划永远有结果。
type LLMPlanner struct {
	client   *Client
	fallback Planner
}

// NewLLMPlanner 构造大模型规划器。
func NewLLMPlanner(client *Client, fallback Planner) *LLMPlanner {
	if fallback == nil {
		fallback = NewKeywordPlanner()
	}
	return &LLMPlanner{client: client, fallback: fallback}
}

// PlanTask 请求模型给出计划，失败时回退。
func (p *LLMPlanner) PlanTask(ctx context.Context, taskID, goal string) (Plan, error) {
	content, err := p.client.Chat(ctx, plannerSystemPrompt, fmt.Sprintf("任务目标: %s", goal))
	if err != nil {
		logger.Named("advisor").Warn("大模型规划失败，使用关键词规划器", "task_id", taskID, "error", err)
		return p.fallback.PlanTask(ctx, taskID, goal)
	}

	var parsed Plan
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || len(parsed.Steps) == 0 {
		logger.Named("advisor").Warn("大模型计划不可解析，使用关键词规划器", "task_id", taskID)
		return p.fallback.PlanTask(ctx, taskID, goal)
	}
	parsed.Goal = goal
	for i := range parsed.Steps {
		if parsed.Steps[i].Quantity <= 0 {
			parsed.Steps[i].Quantity = 1
		}
	}
	return parsed, nil
}
