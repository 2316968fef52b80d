// Package service 将编解码、存储、撤销、执行网关与审计组合为对外的委托操作。
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/codec"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"
	"AgentGuard-Chain/internal/gateway"
	"AgentGuard-Chain/internal/revocation"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EventObserver 统计委托生命周期事件。
type EventObserver interface {
	ObserveDelegationEvent(event, status string)
}

// Dependencies 汇总 Service 需要的组件。Keyring 可以为空，此时创建委托必须携带客户端签名。
type Dependencies struct {
	Store    delegation.Store
	Attempts delegation.AttemptStore
	Registry *revocation.Registry
	Codec    *codec.Codec
	Keyring  *codec.Keyring
	Gateway  *gateway.Gateway
	Recorder *audit.Recorder
	Clock    delegation.Clock
	Events   EventObserver
}

// Service 提供委托的创建、查询、撤销、执行与审计查询。
type Service struct {
	deps   Dependencies
	clock  delegation.Clock
	logger *slog.Logger

	// 进程内串行化 nonce 分配，跨实例的冲突由存储层的 NONCE_REPLAY 兜底
	nonceMu sync.Mutex
}

// New 创建 Service。
func New(deps Dependencies) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = delegation.SystemClock
	}
	return &Service{deps: deps, clock: clock, logger: logger.Named("service")}
}

// CreateRequest 描述委托人的授权请求。Nonce 为空时自动分配，
// Signature 为空时使用 keyring 中委托人的密钥签名。
type CreateRequest struct {
	Delegator common.Address
	Delegate  common.Address
	Scope     string
	Caveats   delegation.Caveats
	Expiry    time.Time
	Nonce     *uint64
	Signature []byte
}

// TypedDataResult 是供客户端签名的 EIP-712 数据。
type TypedDataResult struct {
	Hash      common.Hash        `json:"hash"`
	Nonce     uint64             `json:"nonce"`
	TypedData apitypes.TypedData `json:"typedData"`
}

func (s *Service) payload(ctx context.Context, req CreateRequest) (codec.Payload, error) {
	if req.Delegator == (common.Address{}) || req.Delegate == (common.Address{}) {
		return codec.Payload{}, xerrors.New(xerrors.CodeInvalidArgument, "委托人与代理人地址不能为空")
	}
	if req.Delegator == req.Delegate {
		return codec.Payload{}, xerrors.New(xerrors.CodeInvalidArgument, "委托人与代理人不能相同")
	}
	scope := delegation.NormalizeScope(req.Scope)
	if scope == "" {
		return codec.Payload{}, xerrors.New(xerrors.CodeInvalidArgument, "scope 不能为空")
	}
	if err := req.Caveats.Validate(); err != nil {
		return codec.Payload{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "约束参数非法")
	}

	expiry := req.Caveats.EffectiveExpiry(req.Expiry)
	if expiry.IsZero() {
		return codec.Payload{}, xerrors.New(xerrors.CodeInvalidArgument, "expiry 不能为空，委托必须设置过期时间")
	}
	if !expiry.After(s.clock.Now()) {
		return codec.Payload{}, xerrors.New(xerrors.CodeInvalidArgument, "expiry 必须晚于当前时间")
	}

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		latest, ok, err := s.deps.Store.LatestNonce(ctx, req.Delegator)
		if err != nil {
			return codec.Payload{}, err
		}
		if ok {
			nonce = latest + 1
		} else {
			nonce = 1
		}
	}

	return codec.Payload{
		Delegator: req.Delegator,
		Delegate:  req.Delegate,
		Scope:     scope,
		Caveats:   req.Caveats.Clone(),
		Nonce:     nonce,
		Expiry:    expiry,
	}, nil
}

// TypedData 返回请求对应的 EIP-712 数据和委托哈希，不写入任何状态。
func (s *Service) TypedData(ctx context.Context, req CreateRequest) (*TypedDataResult, error) {
	p, err := s.payload(ctx, req)
	if err != nil {
		return nil, err
	}
	typed, err := s.deps.Codec.TypedData(p)
	if err != nil {
		return nil, err
	}
	return &TypedDataResult{Hash: p.Hash(), Nonce: p.Nonce, TypedData: typed}, nil
}

// CreateDelegation 签署或验签后写入委托。相同内容重复提交返回已有记录，created 为 false。
func (s *Service) CreateDelegation(ctx context.Context, req CreateRequest) (*delegation.Delegation, bool, error) {
	if req.Nonce == nil {
		s.nonceMu.Lock()
		defer s.nonceMu.Unlock()
	}

	d, created, err := s.create(ctx, req)
	entry := audit.Entry{
		Principal: req.Delegator,
		Action:    audit.ActionCreate,
		Details: map[string]string{
			"delegate": req.Delegate.Hex(),
			"scope":    delegation.NormalizeScope(req.Scope),
		},
	}
	switch {
	case err != nil:
		entry.Status = audit.StatusRejected
		entry.Details["code"] = string(xerrors.CodeOf(err))
		entry.Details["reason"] = err.Error()
	case created:
		entry.Status = audit.StatusSuccess
	default:
		entry.Status = audit.StatusReplayed
	}
	if d != nil {
		entry.DelegationHash = d.Hash
		entry.Details["nonce"] = strconv.FormatUint(d.Nonce, 10)
	}
	s.audit(ctx, entry)
	s.observe("create", string(entry.Status))

	if err != nil {
		s.logger.Warn("创建委托失败", slog.String("delegator", req.Delegator.Hex()), slog.Any("error", err))
		return nil, false, err
	}
	if created {
		s.logger.Info("委托已创建",
			slog.String("hash", d.Hash.Hex()),
			slog.String("delegator", d.Delegator.Hex()),
			slog.String("delegate", d.Delegate.Hex()),
			slog.Uint64("nonce", d.Nonce))
	}
	return d, created, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*delegation.Delegation, bool, error) {
	p, err := s.payload(ctx, req)
	if err != nil {
		return nil, false, err
	}

	var d *delegation.Delegation
	if len(req.Signature) == 0 {
		// 托管签名等同于以委托人身份授权，必须由委托人本人发起
		if err := auth.Require(ctx, req.Delegator, auth.RoleDelegator); err != nil {
			return nil, false, err
		}
		var signer codec.Signer
		if s.deps.Keyring != nil {
			signer, _ = s.deps.Keyring.Signer(req.Delegator)
		}
		if signer == nil {
			return nil, false, xerrors.New(delegation.CodeSignatureInvalid,
				fmt.Sprintf("缺少签名且未配置委托人 %s 的密钥", req.Delegator.Hex()))
		}
		d, err = s.deps.Codec.Create(ctx, p, signer)
		if err != nil {
			return nil, false, err
		}
	} else {
		d = s.deps.Codec.Assemble(p, req.Signature)
		if err := s.deps.Codec.Verify(d); err != nil {
			return nil, false, err
		}
	}
	return s.deps.Store.Create(ctx, d)
}

// GetDelegation 返回委托记录，状态为按当前时间推导后的有效状态。
func (s *Service) GetDelegation(ctx context.Context, hash common.Hash) (*delegation.Delegation, error) {
	d, err := s.deps.Store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	d.Status = d.EffectiveStatus(s.clock.Now())
	return d, nil
}

// ListDelegations 按创建顺序返回委托人的全部委托。
func (s *Service) ListDelegations(ctx context.Context, principal common.Address) ([]*delegation.Delegation, error) {
	records, err := s.deps.Store.ListByDelegator(ctx, principal)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for _, d := range records {
		d.Status = d.EffectiveStatus(now)
	}
	return records, nil
}

// RevokeDelegation 撤销委托并写入审计记录。
func (s *Service) RevokeDelegation(ctx context.Context, hash common.Hash) (*delegation.Delegation, error) {
	d, err := s.revoke(ctx, hash)
	entry := audit.Entry{
		Action:         audit.ActionRevoke,
		DelegationHash: hash,
		Status:         audit.StatusSuccess,
	}
	if d != nil {
		entry.Principal = d.Delegator
	}
	if err != nil {
		entry.Status = audit.StatusRejected
		entry.Details = map[string]string{
			"code":   string(xerrors.CodeOf(err)),
			"reason": err.Error(),
		}
	}
	s.audit(ctx, entry)
	s.observe("revoke", string(entry.Status))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// revoke 只允许委托人本人撤销，校验失败时仍返回委托以便审计记到委托人名下。
func (s *Service) revoke(ctx context.Context, hash common.Hash) (*delegation.Delegation, error) {
	current, err := s.deps.Store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := auth.Require(ctx, current.Delegator, auth.RoleDelegator); err != nil {
		return current, err
	}
	revoked, err := s.deps.Registry.Revoke(ctx, hash)
	if revoked == nil {
		revoked = current
	}
	return revoked, err
}

// Execute 通过执行网关提交一次代理操作，调用方须为委托的代理人。
func (s *Service) Execute(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	return s.deps.Gateway.Execute(ctx, req)
}

// ListAttempts 返回委托的执行尝试。
func (s *Service) ListAttempts(ctx context.Context, hash common.Hash) ([]*delegation.ExecutionAttempt, error) {
	if _, err := s.deps.Store.Get(ctx, hash); err != nil {
		return nil, err
	}
	if s.deps.Attempts == nil {
		return []*delegation.ExecutionAttempt{}, nil
	}
	return s.deps.Attempts.ListByDelegation(ctx, hash)
}

// QueryAudit 查询委托人的审计记录。
func (s *Service) QueryAudit(ctx context.Context, principal common.Address, opts ...audit.QueryOption) ([]*audit.Entry, error) {
	if s.deps.Recorder == nil {
		return []*audit.Entry{}, nil
	}
	entries, err := s.deps.Recorder.Query(ctx, principal, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	return entries, nil
}

func (s *Service) audit(ctx context.Context, entry audit.Entry) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.Append(context.WithoutCancel(ctx), entry)
	}
}

func (s *Service) observe(event, status string) {
	if s.deps.Events != nil {
		s.deps.Events.ObserveDelegationEvent(event, status)
	}
}
