// Package mneehub provides a small Go client for the MNEE Hub REST API.
package mneehub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the MNEE Hub REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	// ID is optional; supplying one makes the submission idempotent.
	ID       string         `json:"id,omitempty"`
	AgentID  string         `json:"agent_id"`
	Goal     string         `json:"goal"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionResult mirrors the settlement summary stored with a finished task.
type ExecutionResult struct {
	Summary       string   `json:"summary"`
	Stage         string   `json:"stage"`
	TotalReleased float64  `json:"total_released"`
	TotalRefunded float64  `json:"total_refunded"`
	Feedback      []string `json:"feedback,omitempty"`
}

// Task is the hub-side view of a submitted task.
type Task struct {
	ID         string           `json:"id"`
	AgentID    string           `json:"agent_id"`
	Goal       string           `json:"goal"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// TaskStats aggregates queue health counters and settled fund totals.
type TaskStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	TotalReleased float64 `json:"total_released"`
	TotalRefunded float64 `json:"total_refunded"`
}

// AgentUsage reports an agent's spending counters.
type AgentUsage struct {
	AgentID    string  `json:"agent_id"`
	SpentToday float64 `json:"spent_today"`
	SpentTotal float64 `json:"spent_total"`
	Reserved   float64 `json:"reserved"`
	CallsToday int     `json:"calls_today"`
}

// PaymentRequest asks the hub to pay for a single service call from the
// treasury, subject to the agent's policy budget.
type PaymentRequest struct {
	AgentID   string         `json:"agent_id"`
	ServiceID string         `json:"service_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Quantity  int            `json:"quantity,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// PaymentReceipt is the signed payment confirmation issued by the signer.
type PaymentReceipt struct {
	PaymentID       string  `json:"payment_id"`
	TaskID          string  `json:"task_id,omitempty"`
	TxHash          string  `json:"tx_hash"`
	Amount          float64 `json:"amount"`
	Quantity        int     `json:"quantity"`
	ServiceCallHash string  `json:"service_call_hash"`
	Signature       string  `json:"signature"`
	PayerAddress    string  `json:"payer_address"`
	ProviderAddress string  `json:"provider_address"`
}

// PaymentDecision is the admission verdict attached to a payment outcome.
type PaymentDecision struct {
	Action           string  `json:"action"`
	ApprovedQuantity int     `json:"approved_quantity"`
	ApprovedCost     float64 `json:"approved_cost"`
	RiskLevel        string  `json:"risk_level"`
	Reason           string  `json:"reason"`
}

// PaymentResult reports the outcome of a direct payment. A policy denial is
// a normal business outcome: Status is "denied" and Reason explains why.
type PaymentResult struct {
	Status          string          `json:"status"`
	Decision        PaymentDecision `json:"decision"`
	ServiceCallHash string          `json:"service_call_hash,omitempty"`
	Receipt         PaymentReceipt  `json:"receipt,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// Paid reports whether the payment went through.
func (r PaymentResult) Paid() bool { return r.Status == "paid" }

// DelegationRequest pays for a service call through another agent and
// charges the requesting agent a coordination fee.
type DelegationRequest struct {
	FromAgentID     string         `json:"from_agent_id"`
	DelegateAgentID string         `json:"delegate_agent_id"`
	ServiceID       string         `json:"service_id"`
	TaskID          string         `json:"task_id,omitempty"`
	Quantity        int            `json:"quantity,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// DelegationResult mirrors the hub's delegated payment outcome.
type DelegationResult struct {
	Delegate string        `json:"delegate"`
	Fee      float64       `json:"fee"`
	Payment  PaymentResult `json:"payment"`
}

// ListTasksOptions filters task listings.
type ListTasksOptions struct {
	AgentID string
	Status  string
	Query   string
	Limit   int
	Offset  int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mneehub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mneehub api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MNEE Hub API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitTask creates a new task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns tasks matching the provided filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if opts.AgentID != "" {
		query.Set("agent_id", opts.AgentID)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns queue-wide task counters.
func (c *Client) Stats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// Usage returns the spending counters for a single agent.
func (c *Client) Usage(ctx context.Context, agentID string) (AgentUsage, error) {
	var usage AgentUsage
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/usage"
	if err := c.get(ctx, endpoint, &usage); err != nil {
		return AgentUsage{}, err
	}
	return usage, nil
}

// Pay requests a direct treasury payment for a service call. The hub may
// return a denied result; check PaymentResult.Paid before trusting the
// receipt.
func (c *Client) Pay(ctx context.Context, payment PaymentRequest) (PaymentResult, error) {
	var result PaymentResult
	if err := c.post(ctx, "/api/v1/payments", payment, &result); err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

// Delegate routes a service payment through another agent and reports the
// coordination fee charged to the requester.
func (c *Client) Delegate(ctx context.Context, delegation DelegationRequest) (DelegationResult, error) {
	var result DelegationResult
	if err := c.post(ctx, "/api/v1/delegations", delegation, &result); err != nil {
		return DelegationResult{}, err
	}
	return result, nil
}

// WaitForTask polls the task until it reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if detail.Status == "succeeded" || detail.Status == "failed" {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
