// Package escrow 实现先锁定后结算的托管流程。
// 资金在工作开始前锁入托管账户，验证通过才释放给服务商，
// 验证失败则全额退回，平台从释放金额中抽取手续费。
package escrow

import (
	"time"
)

// State 是托管单的状态。
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StateVerifying State = "verifying"
	StateReleased  State = "released"
	StateRefunded  State = "refunded"
	StateDisputed  State = "disputed"
	StateFailed    State = "failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateFailed:
		return true
	}
	return false
}

// feeRate 是平台手续费比例，从释放金额中扣除。
const feeRate = 0.01

// Record 是一张托管单。
type Record struct {
	EscrowID        string    `json:"escrow_id"`
	TaskID          string    `json:"task_id"`
	AgentID         string    `json:"agent_id"`
	ServiceID       string    `json:"service_id"`
	ServiceCallHash string    `json:"service_call_hash"`
	CustomerAccount string    `json:"customer_account"`
	ProviderAddress string    `json:"provider_address"`
	Amount          float64   `json:"amount"`
	Fee             float64   `json:"fee"`
	State           State     `json:"state"`
	LockTxHash      string    `json:"lock_tx_hash,omitempty"`
	SettleTxHash    string    `json:"settle_tx_hash,omitempty"`
	WorkRef         string    `json:"work_ref,omitempty"`
	Resolution      string    `json:"resolution,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Open 判断托管单是否仍占用着锁定资金。
func (r Record) Open() bool {
	return !r.State.Terminal()
}
