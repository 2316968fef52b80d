package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"AgentGuard-Chain/internal/api"
	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/codec"
	"AgentGuard-Chain/internal/config"
	"AgentGuard-Chain/internal/delegation"
	"AgentGuard-Chain/internal/gateway"
	"AgentGuard-Chain/internal/observability/metrics"
	"AgentGuard-Chain/internal/revocation"
	"AgentGuard-Chain/internal/service"
	"AgentGuard-Chain/internal/storage/mysql"
	"AgentGuard-Chain/internal/web3/provider"
	"AgentGuard-Chain/pkg/logger"

	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd)
			if err != nil {
				return err
			}
			return serveRun(cmd.Context(), cfg)
		},
	}
}

// stores 汇总按存储驱动选择的实现。
type stores struct {
	delegations delegation.Store
	attempts    delegation.AttemptStore
	audits      audit.Store
	close       func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return &stores{
			delegations: delegation.NewMemoryStore(),
			attempts:    delegation.NewMemoryAttemptStore(),
			audits:      audit.NewMemoryStore(),
			close:       func() error { return nil },
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.Storage.MySQL.Connection())
		if err != nil {
			return nil, err
		}
		if cfg.Storage.MySQL.AutoMigrate {
			if _, err := mysql.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &stores{
			delegations: mysql.NewDelegationStore(db),
			attempts:    mysql.NewAttemptStore(db),
			audits:      mysql.NewAuditStore(db),
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openIdempotency(ctx context.Context, cfg *config.Config) (gateway.IdempotencyStore, func() error, error) {
	if cfg.Gateway.Idempotency.Driver != "redis" {
		return gateway.NewMemoryIdempotencyStore(), func() error { return nil }, nil
	}
	redisCfg := cfg.Gateway.Idempotency.Redis
	store, err := gateway.NewRedisIdempotencyStore(ctx, gateway.RedisIdempotencyConfig{
		Address:  redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		Prefix:   redisCfg.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func recorderOptions(cfg *config.Config) ([]audit.RecorderOption, error) {
	if cfg.Audit.Publisher.Driver != "rabbitmq" {
		return nil, nil
	}
	mq := cfg.Audit.Publisher.RabbitMQ
	publisher, err := audit.NewAMQPPublisher(audit.AMQPConfig{
		URL:      mq.URL,
		Exchange: mq.Exchange,
		Durable:  mq.Durable,
	})
	if err != nil {
		return nil, err
	}
	return []audit.RecorderOption{audit.WithPublisher(publisher)}, nil
}

func serveRun(ctx context.Context, cfg *config.Config) error {
	log := logger.Named(programName)

	keyring, err := codec.LoadKeyring(cfg.Codec.SignerKeyEnvs)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfig:   cfg.Web3.ChainConfig,
		DefaultChain:  cfg.Web3.DefaultChain,
		DomainChainID: cfg.Codec.ChainID,
	})
	if err != nil {
		return err
	}
	defer chains.Close()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	idempotency, closeIdempotency, err := openIdempotency(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeIdempotency() }()

	recOpts, err := recorderOptions(cfg)
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(st.audits, recOpts...)
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("关闭审计广播失败", slog.Any("error", err))
		}
	}()

	registry := revocation.NewRegistry(st.delegations)
	gw := gateway.New(st.delegations, st.attempts, registry, chains, recorder,
		gateway.WithSubmitTimeout(cfg.SubmitTimeout()),
		gateway.WithIdempotency(idempotency, cfg.IdempotencyTTL()),
		gateway.WithObserver(metrics.ExecutionObserver{}),
	)
	svc := service.New(service.Dependencies{
		Store:    st.delegations,
		Attempts: st.attempts,
		Registry: registry,
		Codec:    codec.New(cfg.Codec.Domain(), delegation.SystemClock),
		Keyring:  keyring,
		Gateway:  gw,
		Recorder: recorder,
		Events:   metrics.LifecycleObserver{},
	})

	authOpts, err := cfg.Auth.Options()
	if err != nil {
		return err
	}
	authn, err := auth.New(authOpts)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("AgentGuard 已就绪",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("idempotency", cfg.Gateway.Idempotency.Driver),
		slog.String("auth", string(authn.Mode())),
		slog.Int("managed_signers", len(keyring.Addresses())),
		slog.Any("chains", chains.Chains()),
		slog.String("default_chain", chains.DefaultChain()))

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithChainStatus(chains),
		api.WithAuthenticator(authn))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
