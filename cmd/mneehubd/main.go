package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MNEE-Hub/internal/advisor"
	"MNEE-Hub/internal/api"
	"MNEE-Hub/internal/config"
	"MNEE-Hub/internal/escrow"
	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/observability/alerting"
	"MNEE-Hub/internal/orchestrator"
	"MNEE-Hub/internal/payment"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/signer"
	"MNEE-Hub/internal/task"
	"MNEE-Hub/internal/tool"
	"MNEE-Hub/internal/verify"
	"MNEE-Hub/pkg/logger"
)

// main 是结算中枢守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mneehubd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MNEEHUB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mneehub.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	agents, err := policy.LoadAgentPolicies(cfg.Policy.AgentsPath)
	if err != nil {
		return err
	}
	services, err := policy.LoadServicePolicies(cfg.Policy.ServicesPath)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(agents, services)

	// 财库与每个 Agent 的资金账户在启动时一次性注资。
	balances := map[string]float64{
		"treasury": cfg.Signer.TreasuryDeposit,
	}
	for _, agent := range agents {
		balances[orchestrator.CustomerAccount(agent.AgentID)] = agent.DailyBudget
	}
	book := ledger.New(balances)
	escrows := escrow.NewManager(book)
	payments := buildPayments(cfg, engine, book, services)

	planner, err := buildPlanner(cfg.Advisor)
	if err != nil {
		return err
	}
	guardian := advisor.NewHeuristicGuardian()

	registry := tool.DefaultRegistry(cfg.Provider, cfg.ProviderTimeout())
	funnel := buildFunnel(cfg)

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	runner := orchestrator.New(planner, guardian, engine, book, escrows, registry, funnel,
		orchestrator.WithAlerts(alerts))

	taskStore, err := buildStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
	}()

	taskQueue, err := buildQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.Retries)
	processor := task.NewProcessor(runner, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.Queue.Worker),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, taskService, engine, escrows, payments)
	logger.L().Info("结算中枢已启动",
		slog.String("address", cfg.Server.Address),
		slog.Int("agents", len(agents)),
		slog.Int("services", len(services)),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildPayments 按配置选择签名通道：remote 走独立部署的 signerd，
// local 在本进程加载财库私钥。拿不到私钥时支付接口整体停用。
func buildPayments(cfg *config.Config, engine *policy.Engine, book *ledger.Ledger, services []policy.ServicePolicy) *payment.Client {
	switch cfg.Signer.Mode {
	case "remote":
		remote := payment.NewRemoteSigner(cfg.Signer.URL, cfg.Signer.Token, cfg.SignerTimeout())
		return payment.NewClient(engine, remote, book)
	default:
		key, err := signer.LoadKeyFromEnv(cfg.Signer.PrivateKeyEnv)
		if err != nil {
			logger.L().Warn("未能加载财库私钥，直接支付与委托接口停用",
				slog.String("env", cfg.Signer.PrivateKeyEnv),
				slog.Any("error", err),
			)
			return nil
		}
		local := payment.NewLocalSigner(signer.NewService(key, book, services))
		return payment.NewClient(engine, local, book)
	}
}

func buildPlanner(cfg config.AdvisorConfig) (advisor.Planner, error) {
	fallback := advisor.NewKeywordPlanner()
	if cfg.Provider != "openai" {
		return fallback, nil
	}
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		logger.L().Warn("未配置大模型 APIKey，规划退化为关键词模式")
		return fallback, nil
	}
	client, err := advisor.NewClient(advisor.ClientConfig{
		APIKey:  apiKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return advisor.NewLLMPlanner(client, fallback), nil
}

func buildFunnel(cfg *config.Config) *verify.Funnel {
	thresholds := verify.DefaultThresholds()
	if cfg.Verify.PassThreshold > 0 {
		thresholds.Pass = cfg.Verify.PassThreshold
	}
	if cfg.Verify.EscalateThreshold > 0 {
		thresholds.Escalate = cfg.Verify.EscalateThreshold
	}
	// 预言机不进自动漏斗，只在托管争议仲裁时由 escrow.Manager 调用。
	// 网络层始终在位：未配置仲裁网络地址时退化为启发式评分。
	return verify.NewFunnel(thresholds,
		verify.NewLocalLayer(),
		verify.NewNetworkLayer(cfg.Provider.VerifyNetworkURL, cfg.ProviderTimeout()),
	)
}

func buildStore(cfg config.StorageConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未知的存储驱动: "+cfg.Driver)
	}
}

func buildQueue(cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未知的队列驱动: "+cfg.Driver)
	}
}
