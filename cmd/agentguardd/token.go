package main

import (
	"encoding/json"
	"fmt"
	"time"

	"AgentGuard-Chain/internal/auth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

type tokenOutput struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// tokenCommand 在 jwt 认证模式下为地址签发访问令牌。
func tokenCommand() *cobra.Command {
	var address, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发 API 访问令牌（仅 jwt 模式）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd)
			if err != nil {
				return err
			}
			if !common.IsHexAddress(address) {
				return fmt.Errorf("address 必须是合法地址")
			}
			opts, err := cfg.Auth.Options()
			if err != nil {
				return err
			}
			authn, err := auth.New(opts)
			if err != nil {
				return err
			}
			subject := auth.Subject{Address: common.HexToAddress(address), Name: name}
			token, expires, err := authn.IssueToken(subject)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(tokenOutput{Token: token, Address: subject.Address.Hex(), ExpiresAt: expires.UTC()})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "令牌绑定的调用方地址")
	cmd.Flags().StringVar(&name, "name", "", "调用方名称，写入令牌与审计日志")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
