// Package provider 根据 chain.yaml 构建链客户端注册表，并把执行请求路由到默认链。
package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"AgentGuard-Chain/internal/web3"
	"AgentGuard-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/crypto"
)

// Config 描述链注册表的来源。
type Config struct {
	ChainConfig  string
	DefaultChain string
	// DomainChainID 为签名域使用的 chainId，非零时必须与默认链一致，
	// 否则客户端签出的委托无法在该链上兑现。
	DomainChainID int64
}

// Registry 按名称管理多条链的客户端，自身作为 web3.Submitter 提交到默认链。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry 加载链定义并实例化客户端。执行账户私钥缺失或非法时直接失败。
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	defaultChain, err := pickDefault(slices.Collect(maps.Keys(defs.Chains)), cfg.DefaultChain)
	if err != nil {
		return nil, err
	}
	if want := cfg.DomainChainID; want != 0 {
		if got := defs.Chains[defaultChain].ChainID; got != 0 && got != want {
			return nil, fmt.Errorf("默认链 %s 的 chain_id %d 与签名域 chainId %d 不一致", defaultChain, got, want)
		}
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	for name, chain := range defs.Chains {
		client, err := dial(ctx, name, chain)
		if err != nil {
			closeClients(clients)
			return nil, err
		}
		clients[name] = client
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// NewStaticRegistry 直接使用给定客户端构造注册表。
func NewStaticRegistry(clients map[string]web3.Client, defaultChain string) (*Registry, error) {
	name, err := pickDefault(slices.Collect(maps.Keys(clients)), defaultChain)
	if err != nil {
		return nil, err
	}
	return &Registry{defaultChain: name, clients: maps.Clone(clients)}, nil
}

// pickDefault 未指定默认链时选择名称排序后的第一条。
func pickDefault(names []string, preferred string) (string, error) {
	if len(names) == 0 {
		return "", errors.New("未配置任何链的 RPC 端点")
	}
	if preferred == "" {
		return slices.Min(names), nil
	}
	if !slices.Contains(names, preferred) {
		return "", fmt.Errorf("默认链 %s 未在配置中找到", preferred)
	}
	return preferred, nil
}

func dial(ctx context.Context, name string, chain web3.ChainDefinition) (web3.Client, error) {
	if chainType := strings.ToLower(strings.TrimSpace(chain.Type)); chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
	key, err := executorKey(name, chain.ExecutorKeyEnv)
	if err != nil {
		return nil, err
	}
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:            name,
		RPCURL:          chain.RPCURL,
		ChainID:         chain.ChainID,
		ManagerContract: chain.ManagerContract,
		GasLimit:        chain.GasLimit,
		WaitReceipt:     chain.WaitReceipt,
		Notes:           chain.Description,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	return client, nil
}

func executorKey(chain, env string) (*ecdsa.PrivateKey, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv(env)), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("链 %s 的执行账户私钥环境变量 %s 未设置", chain, env)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("链 %s 的执行账户私钥非法: %w", chain, err)
	}
	return key, nil
}

func closeClients(clients map[string]web3.Client) {
	for _, client := range clients {
		if client != nil {
			client.Close()
		}
	}
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client 按名称返回客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Submit 实现 web3.Submitter，交给默认链客户端广播。
func (r *Registry) Submit(ctx context.Context, req web3.SubmitRequest) (web3.SubmitResult, error) {
	client, ok := r.Client(r.DefaultChain())
	if !ok {
		return web3.SubmitResult{}, errors.New("默认链客户端不可用")
	}
	return client.Submit(ctx, req)
}

// Snapshots 收集所有链的快照，供健康检查使用；单条链失败不影响其余结果。
func (r *Registry) Snapshots(ctx context.Context) (map[string]web3.ChainSnapshot, error) {
	out := make(map[string]web3.ChainSnapshot, len(r.clients))
	var errs error
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("链 %s: %w", name, err))
			continue
		}
		out[name] = snapshot
	}
	return out, errs
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeClients(r.clients)
	clear(r.clients)
}

// Chains 返回已注册的链名称，按字典序排列。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.clients))
}
