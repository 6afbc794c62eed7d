// Package api 暴露任务提交与查询的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MNEE-Hub/internal/escrow"
	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/observability/metrics"
	"MNEE-Hub/internal/payment"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/task"
)

// Server 负责暴露 REST 接口，供外部提交与跟踪消费任务。
type Server struct {
	addr     string
	tasks    *task.Service
	engine   *policy.Engine
	escrows  *escrow.Manager
	payments *payment.Client
}

// NewServer 构造 API 服务实例。payments 可以为 nil，
// 此时直接支付与委托接口返回 503。
func NewServer(addr string, tasks *task.Service, engine *policy.Engine, escrows *escrow.Manager, payments *payment.Client) *Server {
	return &Server{addr: addr, tasks: tasks, engine: engine, escrows: escrows, payments: payments}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", instrument("tasks", s.handleTasks))
	mux.HandleFunc("/api/v1/tasks/", instrument("task_by_id", s.handleTaskByID))
	mux.HandleFunc("/api/v1/stats", instrument("stats", s.handleStats))
	mux.HandleFunc("/api/v1/agents/", instrument("agent_usage", s.handleAgentUsage))
	mux.HandleFunc("/api/v1/escrows/", instrument("escrow_actions", s.handleEscrowAction))
	mux.HandleFunc("/api/v1/payments", instrument("payments", s.handlePayment))
	mux.HandleFunc("/api/v1/delegations", instrument("delegations", s.handleDelegation))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateTask 受理任务提交，写入存储并投递到队列。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := listOptionsFromQuery(r)
	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleTaskByID 处理 /api/v1/tasks/{id} 与 /api/v1/tasks/{id}/escrows。
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		found, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case "escrows":
		if s.escrows == nil {
			http.Error(w, "托管服务未初始化", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, s.escrows.ListByTask(id))
	default:
		http.Error(w, "未知子资源", http.StatusNotFound)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.tasks.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAgentUsage 返回 /api/v1/agents/{id}/usage 的消费计数器。
func (s *Server) handleAgentUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "策略引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" || sub != "usage" {
		http.Error(w, "未知资源", http.StatusNotFound)
		return
	}

	usage, err := s.engine.Usage(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type arbitrateRequest struct {
	Output map[string]any `json:"output"`
}

// handleEscrowAction 处理 /api/v1/escrows/{id}/dispute 与 /{id}/arbitrate。
// 争议把托管单冻结，仲裁交给一致性预言机裁决放行或退款。
func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.escrows == nil {
		http.Error(w, "托管服务未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/escrows/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少托管单 ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "dispute":
		var req disputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		record, err := s.escrows.RaiseDispute(id, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "arbitrate":
		var req arbitrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		record, err := s.escrows.Arbitrate(r.Context(), id, req.Output)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		http.Error(w, "未知操作", http.StatusNotFound)
	}
}

type paymentRequest struct {
	AgentID   string         `json:"agent_id"`
	ServiceID string         `json:"service_id"`
	TaskID    string         `json:"task_id"`
	Quantity  int            `json:"quantity"`
	Params    map[string]any `json:"params,omitempty"`
}

// handlePayment 走签名服务的财库路径，为一次服务调用直接付费。
// 策略拒绝是正常业务结果，以 200 返回 denied 状态。
func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付服务未配置", http.StatusServiceUnavailable)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.ServiceID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 与 service_id 不能为空"))
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	result, err := s.payments.PayForService(r.Context(), req.AgentID, req.ServiceID, req.TaskID, req.Quantity, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type delegationRequest struct {
	FromAgentID     string         `json:"from_agent_id"`
	DelegateAgentID string         `json:"delegate_agent_id"`
	ServiceID       string         `json:"service_id"`
	TaskID          string         `json:"task_id"`
	Quantity        int            `json:"quantity"`
	Params          map[string]any `json:"params,omitempty"`
}

// handleDelegation 以受托 Agent 的身份付费，并向发起方记协调费。
func (s *Server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付服务未配置", http.StatusServiceUnavailable)
		return
	}

	var req delegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.FromAgentID == "" || req.DelegateAgentID == "" || req.ServiceID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "from_agent_id、delegate_agent_id 与 service_id 不能为空"))
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	outcome, err := s.payments.DelegateServiceCall(r.Context(), req.FromAgentID, req.DelegateAgentID, req.ServiceID, req.TaskID, req.Quantity, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listOptionsFromQuery(r *http.Request) []task.ListOption {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 4)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, task.WithAgentID(agentID))
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, xerrors.CodeEscrowState:
		status = http.StatusConflict
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

// statusRecorder 拦截 WriteHeader 以便记录响应码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录处理器的请求量、错误量与耗时。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
