package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/observability/alerting"
	"MNEE-Hub/internal/observability/metrics"
	"MNEE-Hub/internal/orchestrator"
	"MNEE-Hub/pkg/logger"
)

// Executor 定义了处理器所需的编排能力。
type Executor interface {
	Run(ctx context.Context, taskID, agentID, goal string) (*orchestrator.Execution, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	t, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			metrics.ObserveTaskOutcome("skipped")
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	execution, execErr := p.executor.Run(ctx, t.ID, t.AgentID, t.Goal)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, t, execErr)
	}

	record := resultFromExecution(execution)
	if !execution.Succeeded {
		// 业务性失败：资金已清退、风控窗口已记账，重放会产生重复消费，
		// 因此直接终结任务。
		reason := execution.EarlyExitReason
		if reason == "" {
			reason = record.Summary
		}
		if storeErr := p.store.MarkFailed(ctx, t.ID, CodeTaskProcessing, reason, true); storeErr != nil {
			logger.L().Error("标记任务业务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", t.ID))
			return storeErr
		}
		logger.Audit().Warn("任务结算未通过",
			slog.String("task_id", t.ID),
			slog.String("agent_id", t.AgentID),
			slog.String("stage", record.Stage),
			slog.String("reason", reason),
			slog.Float64("refunded", record.TotalRefunded),
		)
		p.emitAlert(ctx, t, CodeTaskProcessing, stdErrors.New(reason), "settlement")
		metrics.ObserveTaskOutcome("rejected")
		return nil
	}

	if err := p.store.MarkSucceeded(ctx, t.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", t.ID))
		if storeErr := p.store.MarkFailed(ctx, t.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", t.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", t.ID))
		}
		logger.Audit().Warn("任务标记成功失败后重试",
			slog.String("task_id", t.ID),
			slog.String("goal", t.Goal),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", t.ID),
		slog.String("agent_id", t.AgentID),
		slog.String("goal", t.Goal),
		slog.Float64("released", record.TotalReleased),
		slog.Float64("refunded", record.TotalRefunded),
	)
	metrics.ObserveTaskOutcome("succeeded")
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, t *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := t.Attempts >= t.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, t, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("task_id", t.ID))
			p.emitAlert(ctx, t, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Summary == "" {
				fallback.Summary = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, t.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", t.ID))
				if storeErr := p.store.MarkFailed(ctx, t.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", t.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
					return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在降级失败后重投失败", t.ID))
				}
				return nil
			}
			logger.Audit().Warn("任务降级完成",
				slog.String("task_id", t.ID),
				slog.String("goal", t.Goal),
				slog.String("summary", fallback.Summary),
			)
			p.emitAlert(ctx, t, code, execErr, "degraded")
			metrics.ObserveTaskOutcome("degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, t.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", t.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", t.ID),
		slog.String("goal", t.Goal),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", t.Attempts),
		slog.Int("max_retries", t.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, t, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", t.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", t.ID), slog.Int("attempts", t.Attempts))
		metrics.ObserveTaskOutcome("retried")
		return nil
	}
	metrics.ObserveTaskOutcome("failed")
	return nil
}

func resultFromExecution(execution *orchestrator.Execution) ExecutionResult {
	if execution == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		Summary:       execution.Summary,
		Stage:         string(execution.Stage),
		TotalReleased: execution.TotalReleased,
		TotalRefunded: execution.TotalRefunded,
		Feedback:      append([]string(nil), execution.Feedback...),
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, t *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || t == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage":    stage,
		"attempts": strconv.Itoa(t.Attempts),
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		AgentID:    t.AgentID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
			slog.String("stage", stage),
		)
	}
}
