package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"AgentGuard-Chain/internal/config"
	"AgentGuard-Chain/pkg/logger"

	"github.com/spf13/cobra"
)

const programName = "agentguardd"

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

var configFile string

// main 是 AgentGuard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "AgentGuard 委托授权核心",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径，默认读取 AGENTGUARD_CONFIG 或 configs/agentguard.json")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		path := configFile
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		if err := logger.Init(cfg.Logger); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logger.Sync()
	}

	root.AddCommand(serveCommand())
	root.AddCommand(migrateCommand())
	root.AddCommand(digestCommand())
	root.AddCommand(tokenCommand())
	root.AddCommand(versionCommand())
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "打印版本信息",
		Annotations: map[string]string{"skipConfig": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, version)
		},
	}
}

func loadedConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, fmt.Errorf("上下文中没有配置")
	}
	return cfg, nil
}
