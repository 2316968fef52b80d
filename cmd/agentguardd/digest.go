package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"AgentGuard-Chain/internal/codec"
	"AgentGuard-Chain/internal/delegation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/spf13/cobra"
)

type digestFlags struct {
	delegator string
	delegate  string
	scope     string
	caveats   string
	expiry    int64
	nonce     uint64
	signEnv   string
}

type digestOutput struct {
	Hash      string             `json:"hash"`
	Digest    string             `json:"digest"`
	Signature string             `json:"signature,omitempty"`
	TypedData apitypes.TypedData `json:"typedData"`
}

// digestCommand 离线计算委托哈希与 EIP-712 摘要，可选地用环境变量中的私钥签名。
func digestCommand() *cobra.Command {
	var flags digestFlags
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "计算委托哈希与 EIP-712 签名摘要",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd)
			if err != nil {
				return err
			}
			payload, err := flags.payload()
			if err != nil {
				return err
			}
			domain := cfg.Codec.Domain()
			typed, err := codec.BuildTypedData(domain, payload)
			if err != nil {
				return err
			}
			digest, err := codec.Digest(domain, payload)
			if err != nil {
				return err
			}

			out := digestOutput{Hash: payload.Hash().Hex(), Digest: digest.Hex(), TypedData: typed}
			if flags.signEnv != "" {
				signer, err := codec.ParseKeySigner(os.Getenv(flags.signEnv))
				if err != nil {
					return fmt.Errorf("环境变量 %s: %w", flags.signEnv, err)
				}
				sig, err := signer.SignDigest(cmd.Context(), digest)
				if err != nil {
					return err
				}
				out.Signature = hexutil.Encode(sig)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}
	cmd.Flags().StringVar(&flags.delegator, "delegator", "", "委托人地址")
	cmd.Flags().StringVar(&flags.delegate, "delegate", "", "代理人地址")
	cmd.Flags().StringVar(&flags.scope, "scope", "", "委托作用域")
	cmd.Flags().StringVar(&flags.caveats, "caveats", "[]", `约束 JSON，例如 [{"type":"maxAmount","value":"2.5"}]`)
	cmd.Flags().Int64Var(&flags.expiry, "expiry", 0, "过期时间（Unix 秒）")
	cmd.Flags().Uint64Var(&flags.nonce, "nonce", 1, "委托人 nonce")
	cmd.Flags().StringVar(&flags.signEnv, "sign-env", "", "保存委托人私钥的环境变量名，设置后输出签名")
	_ = cmd.MarkFlagRequired("delegator")
	_ = cmd.MarkFlagRequired("delegate")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func (f digestFlags) payload() (codec.Payload, error) {
	if !common.IsHexAddress(f.delegator) || !common.IsHexAddress(f.delegate) {
		return codec.Payload{}, fmt.Errorf("delegator/delegate 必须是合法地址")
	}
	var caveats delegation.Caveats
	if err := json.Unmarshal([]byte(f.caveats), &caveats); err != nil {
		return codec.Payload{}, fmt.Errorf("解析 caveats 失败: %w", err)
	}
	if err := caveats.Validate(); err != nil {
		return codec.Payload{}, err
	}
	if strings.TrimSpace(f.scope) == "" {
		return codec.Payload{}, fmt.Errorf("scope 不能为空")
	}
	var expiry time.Time
	if f.expiry > 0 {
		expiry = time.Unix(f.expiry, 0).UTC()
	}
	expiry = caveats.EffectiveExpiry(expiry)
	if expiry.IsZero() {
		return codec.Payload{}, fmt.Errorf("必须通过 --expiry 或 expiry 约束指定过期时间")
	}
	return codec.Payload{
		Delegator: common.HexToAddress(f.delegator),
		Delegate:  common.HexToAddress(f.delegate),
		Scope:     delegation.NormalizeScope(f.scope),
		Caveats:   caveats,
		Nonce:     f.nonce,
		Expiry:    expiry,
	}, nil
}
