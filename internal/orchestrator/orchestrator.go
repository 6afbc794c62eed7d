package orchestrator

import (
	"context"
	"fmt"
	"time"

	"MNEE-Hub/internal/advisor"
	"MNEE-Hub/internal/escrow"
	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/observability/alerting"
	"MNEE-Hub/internal/payment"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/tool"
	"MNEE-Hub/internal/verify"
	"MNEE-Hub/pkg/logger"
)

// respondService 是唯一不产生付费调用的服务。
const respondService = "respond"

// Orchestrator 把顾问、策略、托管、工具与验证串成任务执行流水线。
type Orchestrator struct {
	planner  advisor.Planner
	guardian advisor.Guardian
	engine   *policy.Engine
	book     *ledger.Ledger
	escrows  *escrow.Manager
	registry *tool.Registry
	funnel   *verify.Funnel
	alerts   alerting.Dispatcher
}

// Option 用于定制编排器。
type Option func(*Orchestrator)

// WithAlerts 挂接告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = dispatcher }
}

// New 构造编排器。
func New(planner advisor.Planner, guardian advisor.Guardian, engine *policy.Engine, book *ledger.Ledger,
	escrows *escrow.Manager, registry *tool.Registry, funnel *verify.Funnel, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  planner,
		guardian: guardian,
		engine:   engine,
		book:     book,
		escrows:  escrows,
		registry: registry,
		funnel:   funnel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CustomerAccount 返回 Agent 在账本中的资金账户名。
func CustomerAccount(agentID string) string {
	return ledger.AgentAccount(agentID)
}

// Run 执行一次任务。业务性失败（策略拒绝、守护阻断、验证不通过）
// 记录在返回的 Execution 里而不是 error 里，error 只表示流水线自身故障。
func (o *Orchestrator) Run(ctx context.Context, taskID, agentID, goal string) (execution *Execution, err error) {
	log := logger.Named("orchestrator")
	execution = &Execution{
		TaskID:    taskID,
		AgentID:   agentID,
		Goal:      goal,
		Stage:     StagePlan,
		StartedAt: time.Now(),
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			execution.abort(fmt.Sprintf("内部异常: %v", recovered))
			execution.Succeeded = false
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("任务 %s 执行过程发生异常: %v", taskID, recovered))
			log.Error("任务执行异常", "task_id", taskID, "panic", recovered)
		}
		o.finish(ctx, execution)
	}()

	// PLAN：把目标拆成可付费的服务调用步骤。
	plan, planErr := o.planner.PlanTask(ctx, taskID, goal)
	if planErr != nil {
		execution.abort("规划失败: " + planErr.Error())
		return execution, nil
	}
	execution.Plan = plan
	for _, step := range plan.Steps {
		execution.Steps = append(execution.Steps, &StepExecution{Step: step, Status: StepStatusSkipped})
	}

	// GUARD：执行前的整体风险评估，风险分达到阻断线直接终止。
	execution.Stage = StageGuard
	agentPolicy, agentErr := o.engine.Agent(agentID)
	if agentErr != nil {
		execution.abort("未知 Agent: " + agentID)
		return execution, nil
	}
	verdict, guardErr := o.guardian.AssessTask(ctx, advisor.TaskContext{
		TaskID:      taskID,
		AgentID:     agentID,
		Goal:        goal,
		PlannedCost: o.plannedCost(plan),
		DailyBudget: agentPolicy.DailyBudget,
		StepCount:   len(plan.Steps),
	})
	if guardErr != nil {
		// 守护器失联时不进入执行与托管，任务直接转入反馈收尾。
		log.Warn("守护器评估失败，任务转入反馈", "task_id", taskID, "error", guardErr)
		execution.abort("守护器评估失败: " + guardErr.Error())
		return execution, nil
	}
	execution.Verdict = verdict
	if verdict.Blocked {
		execution.abort(fmt.Sprintf("守护器阻断，风险分 %d", verdict.RiskScore))
		o.alert(ctx, execution, alerting.Event{
			Code:     xerrors.CodePolicyDenied,
			Message:  fmt.Sprintf("守护器阻断任务: %v", verdict.Reasons),
			Severity: xerrors.SeverityCritical,
		})
		return execution, nil
	}

	// 逐步执行：每个步骤独立走 锁定 -> 执行 -> 验证 -> 结算。
	for _, step := range execution.Steps {
		if execution.EarlyExit {
			break
		}
		o.runStep(ctx, execution, step)
	}

	return execution, nil
}

// runStep 驱动单个步骤的完整生命周期。
func (o *Orchestrator) runStep(ctx context.Context, execution *Execution, step *StepExecution) {
	log := logger.Named("orchestrator")

	// respond 步骤不动资金，直接执行并验证。
	if step.Step.ServiceID == respondService {
		execution.Stage = StageExecute
		o.executeAndVerify(ctx, execution, step, "")
		step.Settlement = settlementFor(step)
		return
	}

	service, err := o.engine.Service(step.Step.ServiceID)
	if err != nil {
		step.Status = StepStatusFailed
		step.Detail = err.Error()
		execution.abort("未知服务: " + step.Step.ServiceID)
		return
	}

	decision := o.engine.Evaluate(execution.AgentID, step.Step.ServiceID, step.Step.Quantity)
	step.Decision = decision
	if decision.Denied() {
		step.Status = StepStatusDenied
		step.Detail = decision.Reason
		step.Settlement = settlementFor(step)
		// 策略拒绝意味着预算或风险出了问题，剩余步骤不再尝试。
		execution.abort("策略拒绝: " + decision.Reason)
		return
	}

	// 受托执行的步骤先付协调费：独立于服务支付，直接从发起方
	// 账户划转给受托 Agent，之后无论步骤成败都不回退。
	if delegate := step.Step.Delegate; delegate != "" && delegate != execution.AgentID {
		fee := payment.DelegationFee(decision.ApprovedCost)
		if _, err := o.book.Transfer(CustomerAccount(execution.AgentID), CustomerAccount(delegate), fee); err != nil {
			step.Status = StepStatusFailed
			step.Detail = "协调费划转失败: " + err.Error()
			step.Settlement = settlementFor(step)
			o.engine.RecordCallResult(execution.AgentID, step.Step.ServiceID, decision.ApprovedCost, false)
			execution.abort("协调费划转失败: " + err.Error())
			return
		}
		step.DelegationFee = fee
	}

	callHash, err := payment.BuildServiceCallHash(step.Step.ServiceID, execution.AgentID, execution.TaskID, step.Step.Params)
	if err != nil {
		step.Status = StepStatusFailed
		step.Detail = err.Error()
		o.engine.RecordCallResult(execution.AgentID, step.Step.ServiceID, decision.ApprovedCost, false)
		execution.abort("生成调用哈希失败")
		return
	}
	step.ServiceCallHash = callHash

	// ESCROW_LOCK：把获批金额从 Agent 资金账户锁入托管。
	execution.Stage = StageEscrowLock
	record, err := o.escrows.Create(escrow.CreateRequest{
		TaskID:          execution.TaskID,
		AgentID:         execution.AgentID,
		ServiceID:       step.Step.ServiceID,
		ServiceCallHash: callHash,
		CustomerAccount: CustomerAccount(execution.AgentID),
		ProviderAddress: service.ProviderAddress,
		Amount:          decision.ApprovedCost,
	})
	if err != nil {
		step.Status = StepStatusFailed
		step.Detail = err.Error()
		step.Settlement = settlementFor(step)
		o.engine.RecordCallResult(execution.AgentID, step.Step.ServiceID, decision.ApprovedCost, false)
		execution.abort("托管锁定失败: " + err.Error())
		o.alert(ctx, execution, alerting.Event{
			Code:     xerrors.CodeEscrowState,
			Message:  "托管锁定失败: " + err.Error(),
			Severity: xerrors.SeverityCritical,
			EscrowID: record.EscrowID,
			Amount:   decision.ApprovedCost,
		})
		return
	}
	step.EscrowID = record.EscrowID

	// EXECUTE 与 VERIFY。
	execution.Stage = StageExecute
	o.executeAndVerify(ctx, execution, step, callHash)

	// ESCROW_SETTLE：按结算匹配释放或退款。
	execution.Stage = StageEscrowSettle
	step.Settlement = settlementFor(step)
	step.Settlement.Amount = record.Amount
	settled, err := o.escrows.Settle(record.EscrowID, step.Settlement.Released)
	if err != nil {
		log.Error("托管结算失败", "task_id", execution.TaskID, "escrow_id", record.EscrowID, "error", err)
		o.alert(ctx, execution, alerting.Event{
			Code:     xerrors.CodeEscrowState,
			Message:  "托管结算失败: " + err.Error(),
			Severity: xerrors.SeverityCritical,
			EscrowID: record.EscrowID,
			Amount:   record.Amount,
		})
	} else if settled.State == escrow.StateReleased {
		execution.TotalReleased += settled.Amount
	} else {
		execution.TotalRefunded += settled.Amount
	}
	o.engine.RecordCallResult(execution.AgentID, step.Step.ServiceID, decision.ApprovedCost, step.Settlement.Released)
}

// executeAndVerify 调用工具并把产出交给验证漏斗。
func (o *Orchestrator) executeAndVerify(ctx context.Context, execution *Execution, step *StepExecution, callHash string) {
	instrument, err := o.registry.Get(step.Step.ServiceID)
	if err != nil {
		step.Status = StepStatusFailed
		step.Detail = err.Error()
		return
	}

	params := make(map[string]any, len(step.Step.Params)+1)
	for key, value := range step.Step.Params {
		params[key] = value
	}
	if step.Decision.ApprovedQuantity > 0 {
		params["quantity"] = step.Decision.ApprovedQuantity
	}

	output, err := instrument.Execute(ctx, tool.Invocation{
		TaskID:          execution.TaskID,
		AgentID:         execution.AgentID,
		ServiceCallHash: callHash,
		Params:          params,
	})
	if err != nil {
		step.Status = StepStatusFailed
		step.Detail = err.Error()
		return
	}
	step.Output = output
	step.Status = StepStatusSuccess

	if step.EscrowID != "" {
		if _, err := o.escrows.SubmitWork(step.EscrowID, workRef(step.Step.ServiceID, output)); err != nil {
			logger.Named("orchestrator").Warn("登记交付物失败",
				"task_id", execution.TaskID, "escrow_id", step.EscrowID, "error", err)
		}
	}

	execution.Stage = StageVerify
	step.Verification = o.funnel.Verify(ctx, verify.Request{
		TaskID:          execution.TaskID,
		ServiceID:       step.Step.ServiceID,
		ServiceCallHash: callHash,
		Output:          output,
	})
	if !step.Verification.Passed {
		step.Detail = fmt.Sprintf("验证未通过（%s 层评分 %.2f）", step.Verification.Final, step.Verification.Score)
	}
}

// finish 收尾：清退在途托管、生成反馈与总结。
func (o *Orchestrator) finish(ctx context.Context, execution *Execution) {
	// FEEDBACK：提前退出时清退所有未结算的托管单。
	execution.Stage = StageFeedback
	for _, step := range execution.escrowRefs() {
		record, err := o.escrows.Get(step.EscrowID)
		if err != nil || escrowSettled(record) {
			continue
		}
		refunded, err := o.escrows.Refund(step.EscrowID, "任务提前退出")
		if err != nil {
			logger.Named("orchestrator").Error("清退托管失败",
				"task_id", execution.TaskID, "escrow_id", step.EscrowID, "error", err)
			continue
		}
		execution.TotalRefunded += refunded.Amount
	}
	execution.Feedback = o.buildFeedback(execution)

	// SUMMARIZE：统计执行与资金结果。
	execution.Stage = StageSummarize
	succeeded, failed, denied, skipped, unverified := 0, 0, 0, 0, 0
	for _, step := range execution.Steps {
		switch step.Status {
		case StepStatusSuccess:
			succeeded++
			if !step.Verification.Passed {
				unverified++
			}
		case StepStatusFailed:
			failed++
		case StepStatusDenied:
			denied++
		default:
			skipped++
		}
	}
	execution.Succeeded = !execution.EarlyExit && failed == 0 && denied == 0 && unverified == 0 && succeeded > 0
	execution.Summary = fmt.Sprintf(
		"步骤 %d 个（成功 %d，失败 %d，拒绝 %d，跳过 %d），释放 %.4f，退款 %.4f",
		len(execution.Steps), succeeded, failed, denied, skipped,
		execution.TotalReleased, execution.TotalRefunded)
	if execution.EarlyExit {
		execution.Summary += "；提前退出: " + execution.EarlyExitReason
	}

	execution.Stage = StageDone
	execution.FinishedAt = time.Now()

	if !execution.Succeeded {
		o.alert(ctx, execution, alerting.Event{
			Code:     xerrors.CodeUnknown,
			Message:  "任务未成功: " + execution.Summary,
			Severity: xerrors.SeverityWarning,
		})
	}
	logger.Named("orchestrator").Info("任务执行结束",
		"task_id", execution.TaskID, "succeeded", execution.Succeeded, "summary", execution.Summary)
}

// buildFeedback 根据用量与裁决生成给 Agent 拥有者的改进建议。
func (o *Orchestrator) buildFeedback(execution *Execution) []string {
	var feedback []string
	agentPolicy, err := o.engine.Agent(execution.AgentID)
	if err == nil && agentPolicy.DailyBudget > 0 {
		if usage, err := o.engine.Usage(execution.AgentID); err == nil {
			if usage.SpentToday > agentPolicy.DailyBudget*0.8 {
				feedback = append(feedback, "当日消费已超过预算八成，建议上调预算或降低调用频率")
			}
		}
	}
	for _, step := range execution.Steps {
		if step.Status == StepStatusDenied {
			feedback = append(feedback, fmt.Sprintf("服务 %s 被策略拒绝：%s", step.Step.ServiceID, step.Detail))
		}
	}
	if execution.Verdict.RiskScore >= 5 {
		feedback = append(feedback, "任务风险分偏高，建议简化目标或拆分任务")
	}
	return feedback
}

// plannedCost 估算整份计划的开销。
func (o *Orchestrator) plannedCost(plan advisor.Plan) float64 {
	total := 0.0
	for _, step := range plan.Steps {
		service, err := o.engine.Service(step.ServiceID)
		if err != nil {
			continue
		}
		total += service.UnitPrice * float64(step.Quantity)
	}
	return total
}

func (o *Orchestrator) alert(ctx context.Context, execution *Execution, event alerting.Event) {
	if o.alerts == nil {
		return
	}
	event.TaskID = execution.TaskID
	event.AgentID = execution.AgentID
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		logger.Named("orchestrator").Warn("告警发送失败", "task_id", execution.TaskID, "error", err)
	}
}
