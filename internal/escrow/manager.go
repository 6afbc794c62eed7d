package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/verify"
	"MNEE-Hub/pkg/logger"
)

// HoldingAccount 是账本中的托管资金账户。
const HoldingAccount = "escrow"

// PlatformAccount 接收结算时扣下的平台手续费。
const PlatformAccount = "platform"

// Manager 管理托管单的全生命周期。所有状态迁移都在同一把锁下完成，
// 同一张托管单不可能被并发结算两次。
// 一致性预言机只挂在这里：它是争议仲裁的依据，普通验证触达不到它。
type Manager struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	arbiter verify.Layer
	records map[string]*Record
	now     func() time.Time
}

// NewManager 构造托管管理器。
func NewManager(book *ledger.Ledger) *Manager {
	return &Manager{
		ledger:  book,
		arbiter: verify.NewOracleLayer(),
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// CreateRequest 是开单参数。
type CreateRequest struct {
	TaskID          string
	AgentID         string
	ServiceID       string
	ServiceCallHash string
	CustomerAccount string
	ProviderAddress string
	Amount          float64
}

// Create 开立托管单并把资金从客户账户锁入托管账户。
// 锁定转账失败时托管单直接进入 failed 终态。
func (m *Manager) Create(req CreateRequest) (Record, error) {
	if req.Amount <= 0 {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正数")
	}
	if req.CustomerAccount == "" || req.ProviderAddress == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "托管单缺少客户或服务商账户")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	record := &Record{
		EscrowID:        "ESC-" + uuid.NewString(),
		TaskID:          req.TaskID,
		AgentID:         req.AgentID,
		ServiceID:       req.ServiceID,
		ServiceCallHash: req.ServiceCallHash,
		CustomerAccount: req.CustomerAccount,
		ProviderAddress: req.ProviderAddress,
		Amount:          req.Amount,
		Fee:             req.Amount * feeRate,
		State:           StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	txHash, err := m.ledger.Transfer(req.CustomerAccount, HoldingAccount, req.Amount)
	if err != nil {
		record.State = StateFailed
		record.Resolution = "资金锁定失败"
		m.records[record.EscrowID] = record
		return *record, xerrors.Wrap(xerrors.CodeEscrowState, err, "托管资金锁定失败")
	}
	record.LockTxHash = txHash
	m.records[record.EscrowID] = record

	logger.Named("escrow").Info("托管单已开立",
		"escrow_id", record.EscrowID, "task_id", req.TaskID,
		"amount", req.Amount, "fee", record.Fee)
	return *record, nil
}

// SubmitWork 记录服务商交付的工作产物，只允许从 created 迁移。
func (m *Manager) SubmitWork(escrowID, workRef string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateCreated {
		return *record, stateError(record, "submit work")
	}
	record.State = StateSubmitted
	record.WorkRef = workRef
	record.UpdatedAt = m.now()
	return *record, nil
}

// Settle 根据验证结论结算托管单：通过则扣除手续费后释放给服务商，
// 不通过则全额退回客户。重复结算返回 CodeEscrowState。
func (m *Manager) Settle(escrowID string, passed bool) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateSubmitted && record.State != StateVerifying {
		return *record, stateError(record, "settle")
	}
	record.State = StateVerifying
	return m.settleLocked(record, passed, "")
}

// RaiseDispute 把托管单转入争议状态，资金继续冻结等待仲裁。
// 任何未到终态的托管单都可以发起争议，刚开立未交付的也不例外。
func (m *Manager) RaiseDispute(escrowID, reason string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State.Terminal() {
		return *record, stateError(record, "raise dispute")
	}
	record.State = StateDisputed
	record.Resolution = reason
	record.UpdatedAt = m.now()
	logger.Named("escrow").Warn("托管单进入争议", "escrow_id", escrowID, "reason", reason)
	return *record, nil
}

// ResolveDispute 仲裁争议单：releaseToProvider 为真时按正常通过结算，
// 否则全额退回客户。
func (m *Manager) ResolveDispute(escrowID string, releaseToProvider bool, note string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateDisputed {
		return *record, stateError(record, "resolve dispute")
	}
	return m.settleLocked(record, releaseToProvider, note)
}

// arbitratePassScore 是仲裁放行线，与验证漏斗的默认放行阈值一致。
const arbitratePassScore = 0.7

// Arbitrate 把争议单交给一致性预言机裁决：产出回显了正确的调用哈希
// 则按通过结算释放，否则全额退回客户。
func (m *Manager) Arbitrate(ctx context.Context, escrowID string, output map[string]any) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State != StateDisputed {
		return *record, stateError(record, "arbitrate")
	}

	outcome, err := m.arbiter.Verify(ctx, verify.Request{
		TaskID:          record.TaskID,
		ServiceID:       record.ServiceID,
		ServiceCallHash: record.ServiceCallHash,
		Output:          output,
	})
	if err != nil {
		return *record, xerrors.Wrap(xerrors.CodeEscrowState, err, "预言机仲裁失败")
	}
	note := fmt.Sprintf("预言机仲裁评分 %.2f", outcome.Score)
	if outcome.Detail != "" {
		note += ": " + outcome.Detail
	}
	return m.settleLocked(record, outcome.Score >= arbitratePassScore, note)
}

// Refund 把仍在途的托管单全额退回客户，用于任务中止时的清退。
func (m *Manager) Refund(escrowID, reason string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	if record.State.Terminal() {
		return *record, stateError(record, "refund")
	}
	return m.settleLocked(record, false, reason)
}

// Get 返回托管单快照。
func (m *Manager) Get(escrowID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.getLocked(escrowID)
	if err != nil {
		return Record{}, err
	}
	return *record, nil
}

// ListByTask 返回某个任务名下的所有托管单。
func (m *Manager) ListByTask(taskID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []Record
	for _, record := range m.records {
		if record.TaskID == taskID {
			records = append(records, *record)
		}
	}
	return records
}

// settleLocked 执行实际的结算转账，调用方必须持有 m.mu。
func (m *Manager) settleLocked(record *Record, release bool, note string) (Record, error) {
	if release {
		payout := record.Amount - record.Fee
		txHash, err := m.ledger.Transfer(HoldingAccount, record.ProviderAddress, payout)
		if err != nil {
			return *record, xerrors.Wrap(xerrors.CodeEscrowState, err, "托管释放转账失败")
		}
		if record.Fee > 0 {
			if _, err := m.ledger.Transfer(HoldingAccount, PlatformAccount, record.Fee); err != nil {
				return *record, xerrors.Wrap(xerrors.CodeEscrowState, err, "手续费划转失败")
			}
		}
		record.State = StateReleased
		record.SettleTxHash = txHash
	} else {
		txHash, err := m.ledger.Transfer(HoldingAccount, record.CustomerAccount, record.Amount)
		if err != nil {
			return *record, xerrors.Wrap(xerrors.CodeEscrowState, err, "托管退款转账失败")
		}
		record.State = StateRefunded
		record.SettleTxHash = txHash
	}
	if note != "" {
		record.Resolution = note
	}
	record.UpdatedAt = m.now()
	logger.Named("escrow").Info("托管单已结算",
		"escrow_id", record.EscrowID, "state", string(record.State),
		"tx_hash", record.SettleTxHash)
	return *record, nil
}

func (m *Manager) getLocked(escrowID string) (*Record, error) {
	record, ok := m.records[escrowID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("托管单 %s 不存在", escrowID))
	}
	return record, nil
}

func stateError(record *Record, action string) error {
	return xerrors.New(xerrors.CodeEscrowState,
		fmt.Sprintf("托管单 %s 处于 %s 状态，不允许执行 %s", record.EscrowID, record.State, action))
}
