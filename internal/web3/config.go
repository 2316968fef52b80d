package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 对应 configs/chain.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的端点与执行参数。
type ChainDefinition struct {
	Type    string `yaml:"type"`
	RPCURL  string `yaml:"rpc_url"`
	ChainID int64  `yaml:"chain_id"`
	// ManagerContract 非空时，交易经由委托管理合约的 redeemDelegation 转发。
	ManagerContract string `yaml:"manager_contract"`
	// ExecutorKeyEnv 指定保存执行账户私钥的环境变量名。
	ExecutorKeyEnv string `yaml:"executor_key_env"`
	GasLimit       uint64 `yaml:"gas_limit"`
	WaitReceipt    bool   `yaml:"wait_receipt"`
	Description    string `yaml:"description"`
}

// LoadChainDefinitions 解析链配置 YAML 文件。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 内容并校验每条链的必填字段。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if strings.TrimSpace(chain.ExecutorKeyEnv) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 executor_key_env", name)
		}
	}
	return defs, nil
}
