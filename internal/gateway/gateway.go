// Package gateway 实现委托执行流程：校验、原子预留、限时上链以及提交或释放额度。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"
	"AgentGuard-Chain/internal/revocation"
	"AgentGuard-Chain/internal/web3"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	defaultSubmitTimeout  = 30 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Request 是代理人发起的一次执行请求。
type Request struct {
	Hash           common.Hash
	Action         delegation.Action
	IdempotencyKey string
	// Invalid 非空表示接入层解析参数失败，网关只记录拒绝审计并原样返回该错误。
	Invalid error
}

// Result 是执行成功后的结果。
type Result struct {
	DelegationHash   common.Hash `json:"delegationHash"`
	AttemptID        string      `json:"attemptId"`
	TxHash           string      `json:"txHash"`
	UsedAmount       string      `json:"usedAmount"`
	Remaining        string      `json:"remaining,omitempty"`
	TransactionCount uint64      `json:"transactionCount"`
	Replayed         bool        `json:"replayed"`
}

// Observer 接收执行结果，用于指标统计。
type Observer interface {
	ObserveExecution(outcome string, elapsed time.Duration)
}

// Gateway 串联撤销检查、约束求值、额度预留与链上提交。
type Gateway struct {
	store          delegation.Store
	attempts       delegation.AttemptStore
	registry       *revocation.Registry
	submitter      web3.Submitter
	recorder       *audit.Recorder
	idempotency    IdempotencyStore
	observer       Observer
	clock          delegation.Clock
	submitTimeout  time.Duration
	idempotencyTTL time.Duration
	logger         *slog.Logger
}

// Option 配置 Gateway。
type Option func(*Gateway)

// WithSubmitTimeout 设置链上提交的截止时间。
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.submitTimeout = timeout
		}
	}
}

// WithIdempotency 启用幂等键。
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.idempotency = store
		if ttl > 0 {
			g.idempotencyTTL = ttl
		}
	}
}

// WithObserver 设置指标观察者。
func WithObserver(observer Observer) Option {
	return func(g *Gateway) {
		g.observer = observer
	}
}

// WithClock 替换时间来源。
func WithClock(clock delegation.Clock) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New 创建 Gateway。
func New(store delegation.Store, attempts delegation.AttemptStore, registry *revocation.Registry, submitter web3.Submitter, recorder *audit.Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		store:          store,
		attempts:       attempts,
		registry:       registry,
		submitter:      submitter,
		recorder:       recorder,
		clock:          delegation.SystemClock,
		submitTimeout:  defaultSubmitTimeout,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         logger.Named("gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// call 收集单次调用的上下文，保证恰好写入一条审计记录。
type call struct {
	req       Request
	principal common.Address
	started   time.Time
	audited   bool
}

// Execute 执行一次委托操作。任何路径都只写入一条审计记录，
// 预留额度在失败或超时时一定会被释放。
func (g *Gateway) Execute(ctx context.Context, req Request) (*Result, error) {
	c := &call{req: req, started: g.clock.Now()}
	if req.Invalid != nil {
		return nil, g.rejectInvalid(ctx, c)
	}

	d, err := g.store.Get(ctx, req.Hash)
	if err != nil {
		return nil, g.finishError(ctx, c, err)
	}
	c.principal = d.Delegator
	if err := auth.Require(ctx, d.Delegate, auth.RoleDelegate); err != nil {
		return nil, g.finishError(ctx, c, err)
	}

	if req.IdempotencyKey == "" || g.idempotency == nil {
		result, err := g.execute(ctx, c, d)
		if err != nil {
			return nil, g.finishError(ctx, c, err)
		}
		return result, nil
	}

	key := req.Hash.Hex() + ":" + req.IdempotencyKey
	stored, err := g.idempotency.Begin(ctx, key, g.idempotencyTTL)
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeConflict) {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "幂等键存储不可用")
		}
		return nil, g.finishError(ctx, c, err)
	}
	fingerprint := ActionFingerprint(req.Action)
	if stored != nil {
		if !stored.Matches(fingerprint) {
			return nil, g.finishError(ctx, c, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("幂等键 %s 已用于不同的执行参数", req.IdempotencyKey),
				xerrors.WithMetadata("idempotency_key", req.IdempotencyKey)))
		}
		return g.replay(ctx, c, *stored)
	}

	result, err := g.execute(ctx, c, d)
	persistCtx := context.WithoutCancel(ctx)
	if err != nil && !reachedSubmission(err) && !xerrors.IsRejection(err) {
		// 未触达链上的基础设施故障允许用同一 key 重试
		if abandonErr := g.idempotency.Abandon(persistCtx, key); abandonErr != nil {
			g.logger.Warn("释放幂等键失败", slog.String("key", key), slog.Any("error", abandonErr))
		}
	} else {
		outcome := OutcomeOf(result, err)
		outcome.Fingerprint = fingerprint
		if completeErr := g.idempotency.Complete(persistCtx, key, outcome, g.idempotencyTTL); completeErr != nil {
			g.logger.Error("保存幂等结果失败", slog.String("key", key), slog.Any("error", completeErr))
		}
	}
	if err != nil {
		return nil, g.finishError(ctx, c, err)
	}
	return result, nil
}

// rejectInvalid 为参数非法的请求写入拒绝审计，委托存在时记到委托人名下。
func (g *Gateway) rejectInvalid(ctx context.Context, c *call) error {
	err := c.req.Invalid
	if !xerrors.IsRejection(err) {
		err = xerrors.Wrap(xerrors.CodeInvalidArgument, err, "执行参数非法")
	}
	if c.req.Hash != (common.Hash{}) {
		if d, lookupErr := g.store.Get(ctx, c.req.Hash); lookupErr == nil {
			c.principal = d.Delegator
		}
	}
	return g.finishError(ctx, c, err)
}

func (g *Gateway) replay(ctx context.Context, c *call, stored Outcome) (*Result, error) {
	result, err := stored.Replay()
	details := map[string]string{"idempotency_key": c.req.IdempotencyKey}
	entry := audit.Entry{
		Principal:      c.principal,
		Action:         audit.ActionExecute,
		DelegationHash: c.req.Hash,
		Details:        details,
		Status:         audit.StatusReplayed,
	}
	if err != nil {
		details["code"] = string(xerrors.CodeOf(err))
	} else {
		entry.RelatedTxHash = result.TxHash
	}
	g.appendAudit(ctx, c, entry)
	g.observe(c, "replayed")
	return result, err
}

// execute 是不含幂等处理的核心流程。
func (g *Gateway) execute(ctx context.Context, c *call, d *delegation.Delegation) (*Result, error) {
	action := c.req.Action
	if action.Amount == nil || action.Amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行金额必须为非负数")
	}

	now := g.clock.Now()
	if err := g.registry.Check(d, now); err != nil {
		return nil, err
	}
	if v := delegation.Evaluate(d, action, now); v != nil {
		return nil, v.AsError()
	}

	ticket, err := g.store.ReserveSpend(ctx, d.Hash, action.Amount, now)
	if err != nil {
		return nil, err
	}
	persistCtx := context.WithoutCancel(ctx)

	revoked, err := g.registry.IsRevoked(ctx, d.Hash)
	if err != nil || revoked {
		g.release(persistCtx, d.Hash, ticket)
		if err != nil {
			return nil, err
		}
		return nil, delegation.ErrRevoked(d.Hash)
	}

	attempt := &delegation.ExecutionAttempt{
		ID:             uuid.NewString(),
		DelegationHash: d.Hash,
		Target:         action.Target,
		Data:           action.CallData,
		Value:          action.Amount,
		Status:         delegation.AttemptPending,
		ReservationID:  ticket.ID,
		IdempotencyKey: c.req.IdempotencyKey,
	}

	submitCtx, cancel := context.WithTimeout(ctx, g.submitTimeout)
	submitted, err := g.submitter.Submit(submitCtx, web3.SubmitRequest{
		DelegationHash: d.Hash,
		Target:         action.Target,
		Value:          action.Amount,
		CallData:       action.CallData,
	})
	timedOut := errors.Is(submitCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		g.release(persistCtx, d.Hash, ticket)
		attempt.Status = delegation.AttemptFailed
		attempt.Error = err.Error()
		attempt.Timestamp = g.clock.Now().UTC()
		g.recordAttempt(persistCtx, attempt)
		if timedOut {
			return nil, &submissionError{xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("链上提交超过 %s 未完成", g.submitTimeout),
				xerrors.WithMetadata("attempt_id", attempt.ID))}
		}
		return nil, &submissionError{xerrors.Wrap(delegation.CodeExecutionFailure, err, "链上提交失败",
			xerrors.WithMetadata("attempt_id", attempt.ID))}
	}

	attempt.Status = delegation.AttemptSuccess
	attempt.TxHash = submitted.TxHash.Hex()
	attempt.Timestamp = g.clock.Now().UTC()

	final, err := g.store.CommitSpend(persistCtx, d.Hash, ticket)
	if err != nil {
		// 交易已广播，预留保持 pending，额度仍计入 usedAmount
		g.logger.Error("确认额度预留失败",
			slog.String("hash", d.Hash.Hex()),
			slog.String("ticket", ticket.ID),
			slog.String("tx_hash", attempt.TxHash),
			slog.Any("error", err))
		final = committedView(d, action.Amount)
	}
	g.recordAttempt(persistCtx, attempt)

	result := &Result{
		DelegationHash:   d.Hash,
		AttemptID:        attempt.ID,
		TxHash:           attempt.TxHash,
		UsedAmount:       delegation.FormatEther(final.UsedAmount),
		TransactionCount: final.TransactionCount,
	}
	if remaining, ok := final.Remaining(); ok {
		result.Remaining = delegation.FormatEther(remaining)
	}

	g.appendAudit(ctx, c, audit.Entry{
		Principal:      c.principal,
		Action:         audit.ActionExecute,
		DelegationHash: d.Hash,
		Details: map[string]string{
			"target":     action.Target.Hex(),
			"amount":     delegation.FormatEther(action.Amount),
			"attempt_id": attempt.ID,
			"used":       result.UsedAmount,
		},
		Status:        audit.StatusSuccess,
		RelatedTxHash: attempt.TxHash,
	})
	g.observe(c, "success")
	g.logger.Info("委托执行成功",
		slog.String("hash", d.Hash.Hex()),
		slog.String("tx_hash", attempt.TxHash),
		slog.String("amount", delegation.FormatEther(action.Amount)))
	return result, nil
}

// committedView 在确认失败时按已广播的金额推算结果，与存储中仍计入的预留保持一致。
func committedView(d *delegation.Delegation, amount *big.Int) *delegation.Delegation {
	view := d.Clone()
	used := new(big.Int)
	if view.UsedAmount != nil {
		used.Set(view.UsedAmount)
	}
	view.UsedAmount = used.Add(used, amount)
	view.TransactionCount++
	return view
}

// submissionError 标记已经尝试过链上提交的失败。
type submissionError struct {
	err *xerrors.Error
}

func (e *submissionError) Error() string { return e.err.Error() }
func (e *submissionError) Unwrap() error { return e.err }

func reachedSubmission(err error) bool {
	var target *submissionError
	return errors.As(err, &target)
}

func (g *Gateway) release(ctx context.Context, hash common.Hash, ticket *delegation.Ticket) {
	if _, err := g.store.ReleaseSpend(ctx, hash, ticket); err != nil {
		g.logger.Error("释放额度预留失败",
			slog.String("hash", hash.Hex()),
			slog.String("ticket", ticket.ID),
			slog.Any("error", err))
	}
}

func (g *Gateway) recordAttempt(ctx context.Context, attempt *delegation.ExecutionAttempt) {
	if g.attempts == nil {
		return
	}
	if err := g.attempts.Record(ctx, attempt); err != nil {
		g.logger.Error("记录执行尝试失败", slog.String("attempt_id", attempt.ID), slog.Any("error", err))
	}
}

// finishError 为失败路径写入审计记录，并把错误整理为统一错误类型返回。
func (g *Gateway) finishError(ctx context.Context, c *call, err error) error {
	if se, ok := err.(*submissionError); ok {
		err = se.err
	}
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行委托失败")
	}
	code := xerrors.CodeOf(err)
	details := map[string]string{
		"code":   string(code),
		"reason": err.Error(),
	}
	if c.req.Action.Target != (common.Address{}) {
		details["target"] = c.req.Action.Target.Hex()
	}
	if c.req.Action.Amount != nil {
		details["amount"] = delegation.FormatEther(c.req.Action.Amount)
	}
	if e, ok := xerrors.From(err); ok {
		for k, v := range e.Metadata() {
			details[k] = v
		}
	}

	entry := audit.Entry{
		Principal:      c.principal,
		DelegationHash: c.req.Hash,
		Details:        details,
	}
	outcome := "rejected"
	switch {
	case xerrors.IsRejection(err):
		entry.Action = audit.ActionValidateReject
		entry.Status = audit.StatusRejected
	case code == xerrors.CodeConflict:
		entry.Action = audit.ActionExecute
		entry.Status = audit.StatusRejected
	default:
		entry.Action = audit.ActionExecute
		entry.Status = audit.StatusFailed
		outcome = "failed"
		if code == xerrors.CodeTimeout {
			outcome = "timeout"
		}
	}
	g.appendAudit(ctx, c, entry)
	g.observe(c, outcome)

	g.logger.Log(ctx, xerrors.SeverityOf(err).Level(), "委托执行未完成",
		slog.String("hash", c.req.Hash.Hex()),
		slog.String("code", string(code)),
		slog.Any("error", err))
	return err
}

func (g *Gateway) appendAudit(ctx context.Context, c *call, entry audit.Entry) {
	if c.audited {
		g.logger.Error("重复的执行审计记录被丢弃", slog.String("hash", c.req.Hash.Hex()))
		return
	}
	c.audited = true
	if g.recorder != nil {
		g.recorder.Append(context.WithoutCancel(ctx), entry)
	}
}

func (g *Gateway) observe(c *call, outcome string) {
	if g.observer != nil {
		g.observer.ObserveExecution(outcome, g.clock.Now().Sub(c.started))
	}
}
