package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentGuard-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const managerABI = `[{"type":"function","name":"redeemDelegation","stateMutability":"payable","inputs":[{"name":"delegationHash","type":"bytes32"},{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"callData","type":"bytes"}],"outputs":[]}]`

// Config 描述如何构造 EVM 客户端。
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	ManagerContract string
	GasLimit        uint64
	WaitReceipt     bool
	ReceiptPoll     time.Duration
	Notes           string
}

// Backend 是提交交易所需的链访问子集，ethclient 与模拟后端都满足该接口。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client 使用执行账户签名 EIP-1559 交易并提交到 EVM 链。
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	backend     Backend
	key         *ecdsa.PrivateKey
	from        common.Address
	chainID     *big.Int
	manager     *common.Address
	managerABI  abi.ABI
	gasLimit    uint64
	waitReceipt bool
	receiptPoll time.Duration

	// sendMu 串行化 nonce 分配与广播，避免并发提交复用同一 nonce。
	sendMu sync.Mutex
	mu     sync.Mutex
}

// NewClient 连接 RPC 节点并返回可用的客户端。
func NewClient(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client, err := NewClientWithBackend(ctx, cfg, eth, key)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

// NewClientWithBackend 基于任意 Backend 构造客户端，测试中用于接入模拟链。
func NewClientWithBackend(ctx context.Context, cfg Config, backend Backend, key *ecdsa.PrivateKey) (*Client, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	if key == nil {
		return nil, errors.New("缺少执行账户私钥")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		return nil, fmt.Errorf("链 ID 不匹配: 配置 %d, 节点 %s", cfg.ChainID, chainID)
	}

	parsed, err := abi.JSON(strings.NewReader(managerABI))
	if err != nil {
		return nil, fmt.Errorf("解析委托管理合约 ABI 失败: %w", err)
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		backend:     backend,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:     chainID,
		managerABI:  parsed,
		gasLimit:    cfg.GasLimit,
		waitReceipt: cfg.WaitReceipt,
		receiptPoll: cfg.ReceiptPoll,
	}
	if client.receiptPoll <= 0 {
		client.receiptPoll = time.Second
	}
	if manager := strings.TrimSpace(cfg.ManagerContract); manager != "" {
		if !common.IsHexAddress(manager) {
			return nil, fmt.Errorf("委托管理合约地址非法: %s", manager)
		}
		addr := common.HexToAddress(manager)
		client.manager = &addr
	}
	return client, nil
}

// Executor 返回执行账户地址。
func (c *Client) Executor() common.Address { return c.from }

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot 读取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Executor:    c.from.Hex(),
		Notes:       c.notes,
	}, nil
}

// Submit 构造、签名并广播交易。配置了委托管理合约时，
// 调用被编码为 redeemDelegation(hash, target, value, callData)。
func (c *Client) Submit(ctx context.Context, req web3.SubmitRequest) (web3.SubmitResult, error) {
	if c == nil || c.backend == nil {
		return web3.SubmitResult{}, errors.New("未初始化的以太坊客户端")
	}
	to, data, err := c.route(req)
	if err != nil {
		return web3.SubmitResult{}, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	c.sendMu.Lock()
	tx, err := c.buildTx(ctx, to, value, data)
	if err == nil {
		err = c.backend.SendTransaction(ctx, tx)
	}
	c.sendMu.Unlock()
	if err != nil {
		return web3.SubmitResult{}, fmt.Errorf("发送交易失败: %w", err)
	}

	result := web3.SubmitResult{TxHash: tx.Hash(), Nonce: tx.Nonce()}
	if !c.waitReceipt {
		return result, nil
	}
	receipt, err := c.awaitReceipt(ctx, tx.Hash())
	if err != nil {
		return result, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return result, fmt.Errorf("交易 %s 执行失败", tx.Hash().Hex())
	}
	result.Confirmed = true
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (c *Client) route(req web3.SubmitRequest) (common.Address, []byte, error) {
	if c.manager == nil {
		return req.Target, req.CallData, nil
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	callData := req.CallData
	if callData == nil {
		callData = []byte{}
	}
	data, err := c.managerABI.Pack("redeemDelegation", [32]byte(req.DelegationHash), req.Target, value, callData)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("编码 redeemDelegation 调用失败: %w", err)
	}
	return *c.manager, data, nil
}

func (c *Client) buildTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("查询执行账户 nonce 失败: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 小费失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := c.gasLimit
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:  c.from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return nil, fmt.Errorf("估算 gas 失败: %w", err)
		}
		gas = estimated + estimated/5
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

func (c *Client) awaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
