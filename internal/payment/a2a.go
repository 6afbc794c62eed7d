package payment

import (
	"context"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/pkg/logger"
)

// delegationFeeRate 是委托方收取的协调费比例。
const delegationFeeRate = 0.1

// delegationFeeFloor 是协调费下限，避免小额委托把费用四舍五入成零。
const delegationFeeFloor = 0.01

// DelegationResult 是一次跨 Agent 委托调用的结果。
type DelegationResult struct {
	Delegate string  `json:"delegate"`
	Fee      float64 `json:"fee"`
	Payment  Result  `json:"payment"`
}

// DelegationFee 计算委托协调费：步骤成本的一成，且不低于下限。
func DelegationFee(stepCost float64) float64 {
	fee := stepCost * delegationFeeRate
	if fee < delegationFeeFloor {
		fee = delegationFeeFloor
	}
	return fee
}

// DelegateServiceCall 以受托 Agent 的身份为服务调用付费。协调费独立于
// 服务支付：先从发起方账户划转给受托方，之后无论支付成败都不回退。
// 受托方的策略约束（预算、名单、风险）照常生效。
func (c *Client) DelegateServiceCall(ctx context.Context, fromAgentID, delegateAgentID, serviceID, taskID string, quantity int, params map[string]any) (DelegationResult, error) {
	outcome := DelegationResult{Delegate: delegateAgentID}
	if quantity <= 0 {
		quantity = 1
	}

	if fromAgentID != delegateAgentID {
		service, err := c.engine.Service(serviceID)
		if err != nil {
			return outcome, err
		}
		fee := DelegationFee(service.UnitPrice * float64(quantity))
		if _, err := c.book.Transfer(ledger.AgentAccount(fromAgentID), ledger.AgentAccount(delegateAgentID), fee); err != nil {
			return outcome, xerrors.Wrap(xerrors.CodePaymentFailure, err, "协调费划转失败")
		}
		outcome.Fee = fee
		// 协调费同时计入发起方的当日消费。
		c.engine.RecordCallResult(fromAgentID, serviceID, fee, true)
	}

	result, err := c.PayForService(ctx, delegateAgentID, serviceID, taskID, quantity, params)
	outcome.Payment = result
	if err != nil {
		return outcome, err
	}
	logger.Named("payment").Info("委托调用完成",
		"from", fromAgentID, "delegate", delegateAgentID,
		"service_id", serviceID, "fee", outcome.Fee, "status", string(result.Status))
	return outcome, nil
}
