package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/pkg/logger"
)

type agentState struct {
	mu     sync.Mutex
	policy AgentPolicy

	spentToday float64
	spentTotal float64
	reserved   float64
	callsToday int
	day        string
}

// Engine 是支付前的准入控制中心：预算、访问控制与风险评估都在这里裁决。
//
// 并发模型：每个 Agent 持有独立互斥锁，Evaluate 在锁内完成检查并把获批
// 成本计入 reserved 预留额度，RecordCallResult 在锁内结算预留（成功转入
// spent，失败直接释放），因此并发评估不会击穿日预算。
type Engine struct {
	mu       sync.RWMutex
	agents   map[string]*agentState
	services map[string]ServicePolicy

	risk *RiskEngine
	now  func() time.Time
}

// NewEngine 根据策略配置构建引擎。
func NewEngine(agents []AgentPolicy, services []ServicePolicy) *Engine {
	engine := &Engine{
		agents:   make(map[string]*agentState, len(agents)),
		services: make(map[string]ServicePolicy, len(services)),
		risk:     NewRiskEngine(),
		now:      time.Now,
	}
	for _, agent := range agents {
		engine.agents[agent.AgentID] = &agentState{policy: agent}
	}
	for _, service := range services {
		engine.services[service.ServiceID] = service
	}
	return engine
}

// Service 返回服务策略，不存在时返回 CodeNotFound。
func (e *Engine) Service(serviceID string) (ServicePolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	service, ok := e.services[serviceID]
	if !ok {
		return ServicePolicy{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知服务 %s", serviceID))
	}
	return service, nil
}

// Agent 返回 Agent 策略，不存在时返回 CodeNotFound。
func (e *Engine) Agent(agentID string) (AgentPolicy, error) {
	e.mu.RLock()
	state, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return AgentPolicy{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知 Agent %s", agentID))
	}
	return state.policy, nil
}

// Evaluate 对一次服务调用做准入裁决，检查顺序固定：
// 身份存在性 -> 服务可用性 -> 访问名单 -> 风险评估 -> 单笔上限 -> 日预算。
// ALLOW 与 DOWNGRADE 都会预留获批成本，调用方必须随后调用 RecordCallResult 结算。
func (e *Engine) Evaluate(agentID, serviceID string, quantity int) Decision {
	e.mu.RLock()
	state, agentOK := e.agents[agentID]
	service, serviceOK := e.services[serviceID]
	e.mu.RUnlock()

	if !agentOK {
		return denied(RiskOK, fmt.Sprintf("unknown agent: %s", agentID))
	}
	if !serviceOK {
		return denied(RiskOK, fmt.Sprintf("unknown service: %s", serviceID))
	}
	if quantity <= 0 {
		return denied(RiskOK, "quantity must be positive")
	}
	if !service.Active {
		return denied(RiskOK, fmt.Sprintf("service %s is inactive", serviceID))
	}
	for _, deniedAgent := range service.DenyAgents {
		if deniedAgent == agentID {
			return denied(RiskBlock, fmt.Sprintf("agent %s is deny-listed for service %s", agentID, serviceID))
		}
	}
	if len(service.AllowAgents) > 0 {
		allowed := false
		for _, allowedAgent := range service.AllowAgents {
			if allowedAgent == agentID {
				allowed = true
				break
			}
		}
		if !allowed {
			return denied(RiskReview, fmt.Sprintf("agent %s is not on the allow list of service %s", agentID, serviceID))
		}
	}

	estimatedCost := service.UnitPrice * float64(quantity)

	riskLevel, riskReason := e.risk.Assess(agentID, serviceID, estimatedCost, state.policy.Priority)
	if riskLevel == RiskBlock {
		return denied(RiskBlock, riskReason)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	e.rollDayLocked(state)

	approved := quantity
	cost := estimatedCost
	action := ActionAllow
	reason := "within policy"

	// 单笔上限：超限时按单价降级到可承受数量。
	if cost > state.policy.MaxPerCall {
		if service.UnitPrice <= 0 {
			return denied(riskLevel, "per-call ceiling exceeded for free-priced service")
		}
		approved = int(math.Floor(state.policy.MaxPerCall / service.UnitPrice))
		if approved <= 0 {
			return denied(riskLevel, fmt.Sprintf("unit price %.4f exceeds per-call ceiling %.4f", service.UnitPrice, state.policy.MaxPerCall))
		}
		action = ActionDowngrade
		reason = fmt.Sprintf("downgraded to per-call ceiling: %d -> %d units", quantity, approved)
		cost = service.UnitPrice * float64(approved)
	}

	// 日预算：剩余额度要扣除在途预留。
	remaining := state.policy.DailyBudget - state.spentToday - state.reserved
	if cost > remaining {
		if service.UnitPrice <= 0 {
			return denied(riskLevel, "daily budget exhausted")
		}
		approved = int(math.Floor(remaining / service.UnitPrice))
		if approved <= 0 {
			return denied(riskLevel, fmt.Sprintf("daily budget exhausted: remaining %.4f", remaining))
		}
		action = ActionDowngrade
		reason = fmt.Sprintf("downgraded to remaining daily budget: %d units", approved)
		cost = service.UnitPrice * float64(approved)
	}

	state.reserved += cost

	if riskLevel == RiskReview {
		reason = "flagged for review: " + riskReason
	}
	logger.Named("policy").Debug("准入裁决完成",
		"agent_id", agentID, "service_id", serviceID,
		"action", string(action), "approved_quantity", approved, "approved_cost", cost)
	return Decision{
		Action:           action,
		ApprovedQuantity: approved,
		ApprovedCost:     cost,
		RiskLevel:        riskLevel,
		Reason:           reason,
	}
}

// RecordCallResult 结算一次调用：释放 Evaluate 的预留，成功时计入实际消费，
// 并把结果写入风险引擎的滚动窗口。
func (e *Engine) RecordCallResult(agentID, serviceID string, cost float64, success bool) {
	e.mu.RLock()
	state, ok := e.agents[agentID]
	e.mu.RUnlock()
	if ok {
		state.mu.Lock()
		e.rollDayLocked(state)
		state.reserved -= cost
		if state.reserved < 0 {
			state.reserved = 0
		}
		if success {
			state.spentToday += cost
			state.spentTotal += cost
			state.callsToday++
		}
		state.mu.Unlock()
	}
	e.risk.Record(agentID, serviceID, cost, success)
}

// Usage 返回 Agent 的消费计数器快照。
func (e *Engine) Usage(agentID string) (UsageSnapshot, error) {
	e.mu.RLock()
	state, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return UsageSnapshot{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知 Agent %s", agentID))
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	e.rollDayLocked(state)
	return UsageSnapshot{
		AgentID:    agentID,
		SpentToday: state.spentToday,
		SpentTotal: state.spentTotal,
		Reserved:   state.reserved,
		CallsToday: state.callsToday,
	}, nil
}

// rollDayLocked 跨天时清零当日计数，调用方必须持有 state.mu。
func (e *Engine) rollDayLocked(state *agentState) {
	today := e.now().Format("2006-01-02")
	if state.day != today {
		state.day = today
		state.spentToday = 0
		state.callsToday = 0
	}
}

func denied(level RiskLevel, reason string) Decision {
	return Decision{Action: ActionDeny, RiskLevel: level, Reason: reason}
}
