// Package ledger 提供结算用的内存账本。
// 账本只维护余额与转账流水，不触达任何真实链上资产。
package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "MNEE-Hub/internal/errors"
)

// Entry 是一条转账流水。
type Entry struct {
	TxHash string    `json:"tx_hash"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
}

// Ledger 是进程内账本，所有余额变更都在同一把锁下完成。
type Ledger struct {
	mu       sync.Mutex
	balances map[string]float64
	history  []Entry
	nonce    atomic.Uint64
}

// New 创建账本并按初始余额开户。
func New(initial map[string]float64) *Ledger {
	ledger := &Ledger{balances: make(map[string]float64, len(initial))}
	for account, balance := range initial {
		ledger.balances[account] = balance
	}
	return ledger
}

// AgentAccount 返回 Agent 在账本中的资金账户名。
func AgentAccount(agentID string) string {
	return "agent:" + agentID
}

// Credit 给账户入账，账户不存在时自动开户。
func (l *Ledger) Credit(account string, amount float64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
	return nil
}

// Balance 返回账户余额，未开户账户视为 0。
func (l *Ledger) Balance(account string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Transfer 在两个账户之间转账，返回本次转账的交易哈希。
// 余额不足时返回 CodeLedgerFailure，账本状态保持不变。
func (l *Ledger) Transfer(from, to string, amount float64) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	if from == to {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转出与转入账户相同")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return "", xerrors.New(xerrors.CodeLedgerFailure,
			fmt.Sprintf("账户 %s 余额不足: 余额 %.4f, 需要 %.4f", from, l.balances[from], amount),
			xerrors.WithMetadata("account", from),
		)
	}
	l.balances[from] -= amount
	l.balances[to] += amount

	now := time.Now()
	nonce := l.nonce.Add(1)
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%.8f|%d|%d", from, to, amount, nonce, now.UnixNano())))
	entry := Entry{TxHash: hash.Hex(), From: from, To: to, Amount: amount, At: now}
	l.history = append(l.history, entry)
	return entry.TxHash, nil
}

// History 返回流水副本，按发生顺序排列。
func (l *Ledger) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]Entry, len(l.history))
	copy(entries, l.history)
	return entries
}
