package policy

import (
	"sync"
	"time"
)

const (
	riskWindow  = time.Hour
	burstWindow = 60 * time.Second

	burstMaxCalls = 5
	burstMaxCost  = 10.0

	firstCallHistory = 3
	firstCallCost    = 5.0

	providerFailureMax = 3

	oversizedCost = 20.0
)

type riskCall struct {
	agentID   string
	serviceID string
	cost      float64
	success   bool
	at        time.Time
}

// RiskEngine 基于一小时滚动窗口内的调用记录做行为风险评估。
// 窗口外的记录在每次读写时惰性裁剪，不做后台清理。
type RiskEngine struct {
	mu      sync.Mutex
	history []riskCall
	now     func() time.Time
}

// NewRiskEngine 创建风险引擎。
func NewRiskEngine() *RiskEngine {
	return &RiskEngine{now: time.Now}
}

// Record 记录一次已完成的服务调用，供后续评估使用。
func (r *RiskEngine) Record(agentID, serviceID string, cost float64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	r.history = append(r.history, riskCall{
		agentID:   agentID,
		serviceID: serviceID,
		cost:      cost,
		success:   success,
		at:        r.now(),
	})
}

// Assess 对即将发起的调用做风险评估，命中任一阻断规则即返回 RISK_BLOCK。
func (r *RiskEngine) Assess(agentID, serviceID string, estimatedCost float64, priority Priority) (RiskLevel, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	// 突发消费：含本次在内 60 秒内超过 5 次且累计成本超过 10。
	burstCount := 1
	burstCost := estimatedCost
	agentCalls := 0
	for _, call := range r.history {
		if call.agentID != agentID {
			continue
		}
		agentCalls++
		if now.Sub(call.at) <= burstWindow {
			burstCount++
			burstCost += call.cost
		}
	}
	if burstCount > burstMaxCalls && burstCost > burstMaxCost {
		return RiskBlock, "burst spending detected: too many calls in a short window"
	}

	// 低优先级新 Agent 的首次大额调用转人工复核。
	if agentCalls < firstCallHistory && priority == PriorityLow && estimatedCost > firstCallCost {
		return RiskReview, "first large call from a low-priority agent"
	}

	// 目标服务近期失败过多。
	failures := 0
	for _, call := range r.history {
		if call.serviceID == serviceID && !call.success {
			failures++
		}
	}
	if failures > providerFailureMax {
		return RiskReview, "target service has too many recent failures"
	}

	// 单笔超大额。
	if estimatedCost > oversizedCost {
		return RiskReview, "oversized single call"
	}

	return RiskOK, ""
}

// prune 调用方必须持有 r.mu。
func (r *RiskEngine) prune(now time.Time) {
	cutoff := now.Add(-riskWindow)
	kept := r.history[:0]
	for _, call := range r.history {
		if call.at.After(cutoff) {
			kept = append(kept, call)
		}
	}
	r.history = kept
}
