package escrow

import (
	"context"
	"math"
	"testing"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
)

func newTestManager(customerBalance float64) (*Manager, *ledger.Ledger) {
	book := ledger.New(map[string]float64{"customer": customerBalance})
	return NewManager(book), book
}

func createSubmitted(t *testing.T, m *Manager) Record {
	t.Helper()
	record, err := m.Create(CreateRequest{
		TaskID:          "task-1",
		AgentID:         "agent-a",
		ServiceID:       "image_gen",
		ServiceCallHash: "hash-1",
		CustomerAccount: "customer",
		ProviderAddress: "0xprovider",
		Amount:          10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	record, err = m.SubmitWork(record.EscrowID, "ipfs://artifact")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	return record
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCreateLocksFunds(t *testing.T) {
	m, book := newTestManager(100)

	record, err := m.Create(CreateRequest{
		TaskID:          "task-1",
		AgentID:         "agent-a",
		ServiceID:       "image_gen",
		CustomerAccount: "customer",
		ProviderAddress: "0xprovider",
		Amount:          10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.State != StateCreated {
		t.Fatalf("state = %s, want created", record.State)
	}
	// 手续费按金额的 1% 计。
	if !almostEqual(record.Fee, 0.1) {
		t.Fatalf("fee = %.4f, want 0.1", record.Fee)
	}
	if book.Balance("customer") != 90 || book.Balance(HoldingAccount) != 10 {
		t.Fatalf("balances: customer=%.2f escrow=%.2f", book.Balance("customer"), book.Balance(HoldingAccount))
	}
}

func TestCreateLockFailureIsTerminal(t *testing.T) {
	m, _ := newTestManager(5)

	record, err := m.Create(CreateRequest{
		TaskID:          "task-1",
		AgentID:         "agent-a",
		ServiceID:       "image_gen",
		CustomerAccount: "customer",
		ProviderAddress: "0xprovider",
		Amount:          10,
	})
	if xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("err = %v, want CodeEscrowState", err)
	}
	if record.State != StateFailed {
		t.Fatalf("state = %s, want failed", record.State)
	}
	// 失败单不允许再结算。
	if _, err := m.Settle(record.EscrowID, true); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("settle failed escrow: err = %v", err)
	}
}

func TestSettleRelease(t *testing.T) {
	m, book := newTestManager(100)
	record := createSubmitted(t, m)

	settled, err := m.Settle(record.EscrowID, true)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.State != StateReleased {
		t.Fatalf("state = %s, want released", settled.State)
	}
	// 释放金额为 10 - 1% 手续费。
	if !almostEqual(book.Balance("0xprovider"), 9.9) {
		t.Fatalf("provider balance = %.4f, want 9.9", book.Balance("0xprovider"))
	}
	if !almostEqual(book.Balance(PlatformAccount), 0.1) {
		t.Fatalf("platform balance = %.4f, want 0.1", book.Balance(PlatformAccount))
	}
	if book.Balance(HoldingAccount) != 0 {
		t.Fatalf("escrow balance = %.4f, want 0", book.Balance(HoldingAccount))
	}
}

func TestSettleRefund(t *testing.T) {
	m, book := newTestManager(100)
	record := createSubmitted(t, m)

	settled, err := m.Settle(record.EscrowID, false)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.State != StateRefunded {
		t.Fatalf("state = %s, want refunded", settled.State)
	}
	// 退款不收手续费，全额退回。
	if book.Balance("customer") != 100 {
		t.Fatalf("customer balance = %.4f, want 100", book.Balance("customer"))
	}
}

func TestSettleIsNotRepeatable(t *testing.T) {
	m, _ := newTestManager(100)
	record := createSubmitted(t, m)

	if _, err := m.Settle(record.EscrowID, true); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := m.Settle(record.EscrowID, true); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("second settle: err = %v, want CodeEscrowState", err)
	}
}

func TestSubmitWorkOnlyFromCreated(t *testing.T) {
	m, _ := newTestManager(100)
	record := createSubmitted(t, m)

	if _, err := m.SubmitWork(record.EscrowID, "again"); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("err = %v, want CodeEscrowState", err)
	}
}

func TestDisputeFlow(t *testing.T) {
	m, book := newTestManager(100)
	record := createSubmitted(t, m)

	disputed, err := m.RaiseDispute(record.EscrowID, "output looks forged")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if disputed.State != StateDisputed {
		t.Fatalf("state = %s, want disputed", disputed.State)
	}
	// 争议期间资金保持冻结。
	if book.Balance(HoldingAccount) != 10 {
		t.Fatalf("escrow balance = %.4f, want 10", book.Balance(HoldingAccount))
	}
	// 争议单不能走普通结算。
	if _, err := m.Settle(record.EscrowID, true); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("settle disputed: err = %v", err)
	}

	resolved, err := m.ResolveDispute(record.EscrowID, false, "arbitrated: refund")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != StateRefunded || resolved.Resolution != "arbitrated: refund" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if book.Balance("customer") != 100 {
		t.Fatalf("customer balance = %.4f, want 100", book.Balance("customer"))
	}
}

func TestRaiseDisputeFromCreated(t *testing.T) {
	m, _ := newTestManager(100)
	record, err := m.Create(CreateRequest{
		TaskID:          "task-1",
		AgentID:         "agent-a",
		ServiceID:       "image_gen",
		CustomerAccount: "customer",
		ProviderAddress: "0xprovider",
		Amount:          10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 争议对任何未到终态的托管单都合法，刚开立未交付的也可以发起。
	disputed, err := m.RaiseDispute(record.EscrowID, "provider went silent")
	if err != nil {
		t.Fatalf("raise dispute from created: %v", err)
	}
	if disputed.State != StateDisputed {
		t.Fatalf("state = %s, want disputed", disputed.State)
	}

	// 已到终态的托管单不能再发起争议。
	if _, err := m.ResolveDispute(record.EscrowID, false, "refund"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := m.RaiseDispute(record.EscrowID, "again"); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("dispute terminal escrow: err = %v, want CodeEscrowState", err)
	}
}

func TestArbitrateReleasesOnHashEcho(t *testing.T) {
	m, book := newTestManager(100)
	record := createSubmitted(t, m)
	if _, err := m.RaiseDispute(record.EscrowID, "output looks forged"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	// 产出回显了正确的调用哈希，预言机裁定释放。
	arbitrated, err := m.Arbitrate(context.Background(), record.EscrowID, map[string]any{
		"image_url":         "https://cdn/x.png",
		"service_call_hash": "hash-1",
	})
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if arbitrated.State != StateReleased {
		t.Fatalf("state = %s, want released", arbitrated.State)
	}
	if !almostEqual(book.Balance("0xprovider"), 9.9) {
		t.Fatalf("provider balance = %.4f, want 9.9", book.Balance("0xprovider"))
	}
}

func TestArbitrateRefundsOnForgedHash(t *testing.T) {
	m, book := newTestManager(100)
	record := createSubmitted(t, m)
	if _, err := m.RaiseDispute(record.EscrowID, "output looks forged"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	arbitrated, err := m.Arbitrate(context.Background(), record.EscrowID, map[string]any{
		"service_call_hash": "forged",
	})
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if arbitrated.State != StateRefunded {
		t.Fatalf("state = %s, want refunded", arbitrated.State)
	}
	if book.Balance("customer") != 100 {
		t.Fatalf("customer balance = %.4f, want 100", book.Balance("customer"))
	}

	// 未进入争议的托管单不能直接仲裁。
	other := createSubmitted(t, m)
	if _, err := m.Arbitrate(context.Background(), other.EscrowID, nil); xerrors.CodeOf(err) != xerrors.CodeEscrowState {
		t.Fatalf("arbitrate undisputed: err = %v, want CodeEscrowState", err)
	}
}

func TestRefundOpenEscrow(t *testing.T) {
	m, book := newTestManager(100)
	record, err := m.Create(CreateRequest{
		TaskID:          "task-1",
		AgentID:         "agent-a",
		ServiceID:       "image_gen",
		CustomerAccount: "customer",
		ProviderAddress: "0xprovider",
		Amount:          10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// created 状态的在途托管单也可以被任务清退直接退款。
	refunded, err := m.Refund(record.EscrowID, "task aborted")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.State != StateRefunded {
		t.Fatalf("state = %s, want refunded", refunded.State)
	}
	if book.Balance("customer") != 100 {
		t.Fatalf("customer balance = %.4f, want 100", book.Balance("customer"))
	}
}

func TestListByTask(t *testing.T) {
	m, _ := newTestManager(100)
	createSubmitted(t, m)

	records := m.ListByTask("task-1")
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records := m.ListByTask("other"); len(records) != 0 {
		t.Fatalf("unexpected records: %+v", records)
	}
}
