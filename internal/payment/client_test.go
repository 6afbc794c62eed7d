package payment

import (
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/signer"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBuildServiceCallHash(t *testing.T) {
	params := map[string]any{"prompt": "a logo", "size": "512x512"}
	first, err := BuildServiceCallHash("image_gen", "agent-a", "task-1", params)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := BuildServiceCallHash("image_gen", "agent-a", "task-1", map[string]any{"size": "512x512", "prompt": "a logo"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// 键序不同的同一参数对象必须得到同一哈希。
	if first != second {
		t.Fatalf("hash not canonical: %s != %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(first))
	}

	changed, _ := BuildServiceCallHash("image_gen", "agent-a", "task-2", params)
	if changed == first {
		t.Fatalf("different task produced identical hash")
	}
	empty, err := BuildServiceCallHash("image_gen", "agent-a", "task-1", nil)
	if err != nil || empty == "" {
		t.Fatalf("nil params: hash=%q err=%v", empty, err)
	}
}

func newTestClient(t *testing.T, treasuryBalance float64) (*Client, *ledger.Ledger) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	services := []policy.ServicePolicy{
		{ServiceID: "image_gen", UnitPrice: 1.0, ProviderAddress: "0xprovider01", Active: true},
		{ServiceID: "offline", UnitPrice: 1.0, ProviderAddress: "0xprovider01", Active: false},
	}
	agents := []policy.AgentPolicy{
		{AgentID: "agent-a", Priority: policy.PriorityNormal, DailyBudget: 50, MaxPerCall: 10},
		{AgentID: "agent-b", Priority: policy.PriorityNormal, DailyBudget: 50, MaxPerCall: 10},
	}
	book := ledger.New(map[string]float64{
		signer.TreasuryAccount:        treasuryBalance,
		ledger.AgentAccount("agent-a"): 10,
	})
	service := signer.NewService(key, book, services)
	return NewClient(policy.NewEngine(agents, services), NewLocalSigner(service), book), book
}

func TestPayForService(t *testing.T) {
	client, _ := newTestClient(t, 100)

	result, err := client.PayForService(context.Background(), "agent-a", "image_gen", "task-1", 3, map[string]any{"prompt": "logo"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !result.Paid() {
		t.Fatalf("status = %s, reason = %s", result.Status, result.Reason)
	}
	if result.Receipt.Amount != 3.0 {
		t.Fatalf("amount = %.4f, want 3.0", result.Receipt.Amount)
	}
	if result.Receipt.ServiceCallHash != result.ServiceCallHash {
		t.Fatalf("receipt hash mismatch")
	}
	if result.Receipt.TaskID != "task-1" {
		t.Fatalf("receipt task = %q, want task-1", result.Receipt.TaskID)
	}

	usage, err := client.Engine().Usage("agent-a")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.SpentToday != 3.0 || usage.Reserved != 0 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestPayForServiceDenied(t *testing.T) {
	client, _ := newTestClient(t, 100)

	result, err := client.PayForService(context.Background(), "agent-a", "offline", "task-1", 1, nil)
	if err != nil {
		t.Fatalf("policy denial must not be an error: %v", err)
	}
	if result.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", result.Status)
	}
}

func TestPayForServiceSignerFailureReleasesBudget(t *testing.T) {
	// 金库余额为零，支付必然失败，预算预留必须被释放。
	client, _ := newTestClient(t, 0)

	result, err := client.PayForService(context.Background(), "agent-a", "image_gen", "task-1", 3, nil)
	if err == nil {
		t.Fatalf("expected signer failure")
	}
	if result.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	usage, _ := client.Engine().Usage("agent-a")
	if usage.Reserved != 0 || usage.SpentToday != 0 {
		t.Fatalf("usage after failure = %+v", usage)
	}
}

func TestDelegationFee(t *testing.T) {
	if got := DelegationFee(5.0); got != 0.5 {
		t.Fatalf("fee(5.0) = %.4f, want 0.5", got)
	}
	// 小额委托命中费用下限。
	if got := DelegationFee(0.02); got != 0.01 {
		t.Fatalf("fee(0.02) = %.4f, want 0.01", got)
	}
}

func TestDelegateServiceCall(t *testing.T) {
	client, book := newTestClient(t, 100)

	outcome, err := client.DelegateServiceCall(context.Background(), "agent-a", "agent-b", "image_gen", "task-1", 2, nil)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !outcome.Payment.Paid() {
		t.Fatalf("payment = %+v", outcome.Payment)
	}
	// 协调费在服务支付之前直接从发起方账上划给受托方。
	if outcome.Fee != 0.2 {
		t.Fatalf("fee = %.4f, want 0.2", outcome.Fee)
	}
	if got := book.Balance(ledger.AgentAccount("agent-a")); !almostEqual(got, 9.8) {
		t.Fatalf("requester balance = %.4f, want 9.8", got)
	}
	if got := book.Balance(ledger.AgentAccount("agent-b")); !almostEqual(got, 0.2) {
		t.Fatalf("delegate balance = %.4f, want 0.2", got)
	}
}

func TestDelegateServiceCallSelfSkipsFee(t *testing.T) {
	client, book := newTestClient(t, 100)

	outcome, err := client.DelegateServiceCall(context.Background(), "agent-a", "agent-a", "image_gen", "task-1", 2, nil)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !outcome.Payment.Paid() {
		t.Fatalf("payment = %+v", outcome.Payment)
	}
	if outcome.Fee != 0 {
		t.Fatalf("fee = %.4f, want 0", outcome.Fee)
	}
	if got := book.Balance(ledger.AgentAccount("agent-a")); !almostEqual(got, 10) {
		t.Fatalf("requester balance = %.4f, want 10", got)
	}
}

func TestDelegateServiceCallFeeKeptOnPaymentFailure(t *testing.T) {
	// 金库余额为零会导致服务支付失败，但协调费已然划出且不退。
	client, book := newTestClient(t, 0)

	outcome, err := client.DelegateServiceCall(context.Background(), "agent-a", "agent-b", "image_gen", "task-1", 2, nil)
	if err == nil {
		t.Fatalf("expected payment failure")
	}
	if outcome.Fee != 0.2 {
		t.Fatalf("fee = %.4f, want 0.2", outcome.Fee)
	}
	if got := book.Balance(ledger.AgentAccount("agent-b")); !almostEqual(got, 0.2) {
		t.Fatalf("delegate balance = %.4f, want 0.2", got)
	}
}
