package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"MNEE-Hub/internal/escrow"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/payment"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/signer"
	"MNEE-Hub/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	agents := []policy.AgentPolicy{{AgentID: "startup-agent", Priority: policy.PriorityNormal, DailyBudget: 20, MaxPerCall: 5}}
	services := []policy.ServicePolicy{{ServiceID: "image_gen", UnitPrice: 1.0, ProviderAddress: "0xprovider01", Active: true}}
	engine := policy.NewEngine(agents, services)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	book := ledger.New(map[string]float64{
		signer.TreasuryAccount:               100,
		ledger.AgentAccount("startup-agent"): 50,
	})
	payments := payment.NewClient(engine, payment.NewLocalSigner(signer.NewService(key, book, services)), book)

	service := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 3)
	return NewServer("127.0.0.1:0", service, engine, escrow.NewManager(book), payments)
}

func TestCreateAndGetTask(t *testing.T) {
	server := newTestServer(t)

	body := `{"id":"task-1","agent_id":"startup-agent","goal":"生成 logo"}`
	req := httptest.NewRequest("POST", "/api/v1/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)
	if rec.Code != 202 {
		t.Fatalf("create status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest("GET", "/api/v1/tasks/task-1", nil)
	getRec := httptest.NewRecorder()
	server.handleTaskByID(getRec, getReq)
	if getRec.Code != 200 {
		t.Fatalf("get status = %d: %s", getRec.Code, getRec.Body.String())
	}
	var got task.Task
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "task-1" || got.AgentID != "startup-agent" || got.Status != task.StatusPending {
		t.Fatalf("task = %+v, want pending task-1", got)
	}
}

func TestCreateTaskValidationError(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/tasks", strings.NewReader(`{"agent_id":"startup-agent"}`))
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != string(task.CodeTaskValidation) {
		t.Fatalf("code = %s, want %s", body.Code, task.CodeTaskValidation)
	}
}

func TestGetMissingTask(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/tasks/missing", nil)
	rec := httptest.NewRecorder()
	server.handleTaskByID(rec, req)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTasksFilteredByAgent(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	for _, submit := range []task.SubmitRequest{
		{ID: "a-1", AgentID: "startup-agent", Goal: "生成 logo"},
		{ID: "a-2", AgentID: "startup-agent", Goal: "归档日志"},
	} {
		if _, err := server.tasks.Submit(ctx, submit); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/tasks?agent_id=startup-agent&limit=10", nil)
	rec := httptest.NewRecorder()
	server.handleTasks(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var tasks []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := newTestServer(t)
	if _, err := server.tasks.Submit(context.Background(), task.SubmitRequest{AgentID: "startup-agent", Goal: "生成 logo"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("stats = %+v, want 1 pending", stats)
	}
}

func TestAgentUsageEndpoint(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/agents/startup-agent/usage", nil)
	rec := httptest.NewRecorder()
	server.handleAgentUsage(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var usage policy.UsageSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if usage.AgentID != "startup-agent" {
		t.Fatalf("usage agent = %s", usage.AgentID)
	}

	missing := httptest.NewRequest("GET", "/api/v1/agents/ghost/usage", nil)
	missingRec := httptest.NewRecorder()
	server.handleAgentUsage(missingRec, missing)
	if missingRec.Code != 404 {
		t.Fatalf("missing agent status = %d, want 404", missingRec.Code)
	}
}

func TestPaymentEndpoint(t *testing.T) {
	server := newTestServer(t)

	body := `{"agent_id":"startup-agent","service_id":"image_gen","task_id":"task-1","quantity":2}`
	req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handlePayment(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var result payment.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != payment.StatusPaid || result.Receipt.Amount != 2.0 {
		t.Fatalf("result = %+v, want paid amount 2", result)
	}

	// 未知 Agent 被策略拒绝，仍是 200 业务结果。
	denied := httptest.NewRequest("POST", "/api/v1/payments",
		strings.NewReader(`{"agent_id":"ghost","service_id":"image_gen"}`))
	deniedRec := httptest.NewRecorder()
	server.handlePayment(deniedRec, denied)
	if deniedRec.Code != 200 {
		t.Fatalf("denied status = %d: %s", deniedRec.Code, deniedRec.Body.String())
	}
	var deniedResult payment.Result
	if err := json.Unmarshal(deniedRec.Body.Bytes(), &deniedResult); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if deniedResult.Status != payment.StatusDenied {
		t.Fatalf("denied result = %+v", deniedResult)
	}
}

func TestEscrowDisputeAndArbitrate(t *testing.T) {
	server := newTestServer(t)

	record, err := server.escrows.Create(escrow.CreateRequest{
		TaskID:          "task-1",
		AgentID:         "startup-agent",
		ServiceID:       "image_gen",
		ServiceCallHash: "hash-1",
		CustomerAccount: ledger.AgentAccount("startup-agent"),
		ProviderAddress: "0xprovider01",
		Amount:          2,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	disputeReq := httptest.NewRequest("POST", "/api/v1/escrows/"+record.EscrowID+"/dispute",
		strings.NewReader(`{"reason":"产出与约定不符"}`))
	disputeRec := httptest.NewRecorder()
	server.handleEscrowAction(disputeRec, disputeReq)
	if disputeRec.Code != 200 {
		t.Fatalf("dispute status = %d: %s", disputeRec.Code, disputeRec.Body.String())
	}
	var disputed escrow.Record
	if err := json.Unmarshal(disputeRec.Body.Bytes(), &disputed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if disputed.State != escrow.StateDisputed {
		t.Fatalf("state = %s, want disputed", disputed.State)
	}

	arbitrateReq := httptest.NewRequest("POST", "/api/v1/escrows/"+record.EscrowID+"/arbitrate",
		strings.NewReader(`{"output":{"service_call_hash":"hash-1"}}`))
	arbitrateRec := httptest.NewRecorder()
	server.handleEscrowAction(arbitrateRec, arbitrateReq)
	if arbitrateRec.Code != 200 {
		t.Fatalf("arbitrate status = %d: %s", arbitrateRec.Code, arbitrateRec.Body.String())
	}
	var settled escrow.Record
	if err := json.Unmarshal(arbitrateRec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settled.State != escrow.StateReleased {
		t.Fatalf("state = %s, want released", settled.State)
	}

	// 已结清的托管单再次发起争议应冲突。
	again := httptest.NewRequest("POST", "/api/v1/escrows/"+record.EscrowID+"/dispute",
		strings.NewReader(`{"reason":"再审"}`))
	againRec := httptest.NewRecorder()
	server.handleEscrowAction(againRec, again)
	if againRec.Code != 409 {
		t.Fatalf("re-dispute status = %d, want 409: %s", againRec.Code, againRec.Body.String())
	}
}

func TestPaymentEndpointValidation(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(`{"agent_id":"startup-agent"}`))
	rec := httptest.NewRecorder()
	server.handlePayment(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}
