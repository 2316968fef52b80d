package delegation

import (
	"context"
	"math/big"
	"time"

	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// ReservationStatus 描述一次额度预留的状态。
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Ticket 是 ReserveSpend 返回的预留凭证，之后必须恰好提交或释放一次。
type Ticket struct {
	ID             string
	DelegationHash common.Hash
	Amount         *big.Int
	Status         ReservationStatus
	CreatedAt      time.Time
}

// Store 持久化委托记录并提供原子的额度预留。
// 同一哈希上的 ReserveSpend/CommitSpend/ReleaseSpend 必须线性化，
// 不同哈希之间互不阻塞。
type Store interface {
	// Create 写入新委托。相同 (delegator, delegate, scope, nonce) 重复创建时
	// 返回已有记录且 created 为 false。
	Create(ctx context.Context, d *Delegation) (*Delegation, bool, error)
	Get(ctx context.Context, hash common.Hash) (*Delegation, error)
	ListByDelegator(ctx context.Context, delegator common.Address) ([]*Delegation, error)
	LatestNonce(ctx context.Context, delegator common.Address) (uint64, bool, error)
	ReserveSpend(ctx context.Context, hash common.Hash, amount *big.Int, now time.Time) (*Ticket, error)
	CommitSpend(ctx context.Context, hash common.Hash, ticket *Ticket) (*Delegation, error)
	ReleaseSpend(ctx context.Context, hash common.Hash, ticket *Ticket) (*Delegation, error)
	Revoke(ctx context.Context, hash common.Hash, now time.Time) (*Delegation, error)
	Close() error
}

// AttemptStatus 表示链上执行尝试的结果。
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// ExecutionAttempt 记录一次占用了额度预留的执行。
type ExecutionAttempt struct {
	ID             string
	DelegationHash common.Hash
	Target         common.Address
	Data           []byte
	Value          *big.Int
	TxHash         string
	Status         AttemptStatus
	Error          string
	ReservationID  string
	IdempotencyKey string
	Timestamp      time.Time
}

// AttemptStore 保存执行尝试。
type AttemptStore interface {
	Record(ctx context.Context, attempt *ExecutionAttempt) error
	ListByDelegation(ctx context.Context, hash common.Hash) ([]*ExecutionAttempt, error)
}

// ValidateNonce 校验新记录的 nonce 严格大于委托人已用的最大 nonce。
func ValidateNonce(nonce, latest uint64, hasLatest bool) error {
	if hasLatest && nonce <= latest {
		return ErrNonceReplay(nonce, latest)
	}
	return nil
}

// Validate 检查待写入记录的完整性，哈希必须与内容推导结果一致。
func (d *Delegation) Validate() error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托不能为空")
	}
	if d.Delegator == (common.Address{}) || d.Delegate == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托人与代理人地址不能为空")
	}
	if d.Scope == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "scope 不能为空")
	}
	if err := d.Caveats.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "约束不合法")
	}
	if expected := ComputeHash(d.Delegator, d.Delegate, d.Scope, d.Nonce); d.Hash != expected {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托哈希与内容不一致",
			xerrors.WithMetadata("expected", expected.Hex()))
	}
	return nil
}
