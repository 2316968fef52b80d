package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 汇总链的基础信息，用于健康检查。
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Executor    string `json:"executor,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// SubmitRequest 描述一次需要上链的委托执行。
type SubmitRequest struct {
	DelegationHash common.Hash
	Target         common.Address
	Value          *big.Int
	CallData       []byte
}

// SubmitResult 是交易广播（以及可选的回执确认）后的结果。
type SubmitResult struct {
	TxHash      common.Hash
	Nonce       uint64
	BlockNumber uint64
	Confirmed   bool
}

// Submitter 将授权后的操作提交到链上。实现必须尊重 ctx 的截止时间。
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// Client 是一条链的完整访问能力。
type Client interface {
	Submitter
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// SubmitterFunc 将普通函数适配为 Submitter。
type SubmitterFunc func(ctx context.Context, req SubmitRequest) (SubmitResult, error)

// Submit 实现 Submitter。
func (f SubmitterFunc) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	return f(ctx, req)
}
