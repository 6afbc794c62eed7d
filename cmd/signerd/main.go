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

	"MNEE-Hub/internal/config"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/internal/signer"
	"MNEE-Hub/pkg/logger"
)

// main 是独立签名服务的入口。签名私钥只在本进程可见，
// Hub 通过 HTTP 提交支付请求，拿不到任何密钥材料。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("signerd 运行失败: %v", err)
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
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	key, err := signer.LoadKeyFromEnv(cfg.Signer.PrivateKeyEnv)
	if err != nil {
		return err
	}

	services, err := policy.LoadServicePolicies(cfg.Policy.ServicesPath)
	if err != nil {
		return err
	}

	book := ledger.New(map[string]float64{
		signer.TreasuryAccount: cfg.Signer.TreasuryDeposit,
	})
	service := signer.NewService(key, book, services)

	server := signer.NewServer(cfg.Signer.ListenAddress, cfg.Signer.Token, service)
	logger.L().Info("签名服务已启动",
		slog.String("address", cfg.Signer.ListenAddress),
		slog.String("treasury", service.Address()),
		slog.Int("services", len(services)),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
