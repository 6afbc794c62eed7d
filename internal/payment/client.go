package payment

import (
	"context"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/signer"
	"MNEE-Hub/pkg/logger"
)

// Status 表示一次支付尝试的最终状态。
type Status string

const (
	StatusPaid   Status = "paid"
	StatusDenied Status = "denied"
	StatusFailed Status = "failed"
)

// Result 汇总一次支付尝试：策略裁决、调用哈希与签名回执。
type Result struct {
	Status          Status          `json:"status"`
	Decision        policy.Decision `json:"decision"`
	ServiceCallHash string          `json:"service_call_hash,omitempty"`
	Receipt         signer.Receipt  `json:"receipt,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// Paid 判断支付是否成功。
func (r Result) Paid() bool {
	return r.Status == StatusPaid
}

// Client 把策略引擎与签名服务串成完整的支付链路：
// 准入裁决 -> 调用哈希 -> 签名支付 -> 结算消费计数。
// 账本用于 Agent 之间的协调费划转，不参与金库支付本身。
type Client struct {
	engine *policy.Engine
	signer Signer
	book   *ledger.Ledger
}

// NewClient 构造支付客户端。
func NewClient(engine *policy.Engine, signerClient Signer, book *ledger.Ledger) *Client {
	return &Client{engine: engine, signer: signerClient, book: book}
}

// PayForService 为一次服务调用付费。策略拒绝是正常业务结果而不是错误，
// 调用方应检查 Result.Status；只有传输或签名层故障才返回 error。
func (c *Client) PayForService(ctx context.Context, agentID, serviceID, taskID string, quantity int, params map[string]any) (Result, error) {
	log := logger.Named("payment")

	decision := c.engine.Evaluate(agentID, serviceID, quantity)
	if decision.Denied() {
		log.Warn("支付被策略拒绝",
			"agent_id", agentID, "service_id", serviceID,
			"risk", string(decision.RiskLevel), "reason", decision.Reason)
		return Result{Status: StatusDenied, Decision: decision, Reason: decision.Reason}, nil
	}

	callHash, err := BuildServiceCallHash(serviceID, agentID, taskID, params)
	if err != nil {
		c.engine.RecordCallResult(agentID, serviceID, decision.ApprovedCost, false)
		return Result{Status: StatusFailed, Decision: decision, Reason: err.Error()},
			xerrors.Wrap(xerrors.CodePaymentFailure, err, "生成调用哈希失败")
	}

	receipt, err := c.signer.Pay(ctx, signer.PayRequest{
		AgentID:         agentID,
		ServiceID:       serviceID,
		TaskID:          taskID,
		Quantity:        decision.ApprovedQuantity,
		ServiceCallHash: callHash,
	})
	if err != nil {
		// 支付失败只释放预算预留，不计入消费。
		c.engine.RecordCallResult(agentID, serviceID, decision.ApprovedCost, false)
		log.Error("签名支付失败", "agent_id", agentID, "service_id", serviceID, "error", err)
		return Result{Status: StatusFailed, Decision: decision, ServiceCallHash: callHash, Reason: err.Error()},
			xerrors.Wrap(xerrors.CodePaymentFailure, err, "签名支付失败")
	}

	c.engine.RecordCallResult(agentID, serviceID, decision.ApprovedCost, true)
	log.Info("支付完成",
		"agent_id", agentID, "service_id", serviceID,
		"payment_id", receipt.PaymentID, "amount", receipt.Amount)
	return Result{
		Status:          StatusPaid,
		Decision:        decision,
		ServiceCallHash: callHash,
		Receipt:         receipt,
	}, nil
}

// Engine 返回底层策略引擎，供编排层查询用量与记录额外结果。
func (c *Client) Engine() *policy.Engine {
	return c.engine
}
