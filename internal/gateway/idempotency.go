package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Outcome 是幂等键对应的最终结果，成功与拒绝都会被保存以便重放。
// Fingerprint 为产生该结果的执行动作摘要，重放前必须与新请求一致。
type Outcome struct {
	Result      *Result           `json:"result,omitempty"`
	Code        xerrors.Code      `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

// ActionFingerprint 计算执行动作的 Keccak256 摘要，覆盖目标地址、金额与 callData。
func ActionFingerprint(action delegation.Action) string {
	amount := new(big.Int)
	if action.Amount != nil {
		amount.Set(action.Amount)
	}
	return crypto.Keccak256Hash(
		action.Target.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		action.CallData,
	).Hex()
}

// Matches 判断保存的结果是否由同一执行动作产生。
func (o Outcome) Matches(fingerprint string) bool {
	return o.Fingerprint == "" || o.Fingerprint == fingerprint
}

// OutcomeOf 根据执行结果构造可保存的 Outcome。
func OutcomeOf(result *Result, err error) Outcome {
	if err == nil {
		return Outcome{Result: result}
	}
	if e, ok := xerrors.From(err); ok {
		return Outcome{Code: e.Code(), Message: e.Message(), Metadata: e.Metadata()}
	}
	return Outcome{Code: xerrors.CodeUnknown, Message: err.Error()}
}

// Replay 还原保存的结果，返回的 Result 标记为重放。
func (o Outcome) Replay() (*Result, error) {
	if o.Code != "" {
		opts := make([]xerrors.Option, 0, len(o.Metadata))
		for k, v := range o.Metadata {
			opts = append(opts, xerrors.WithMetadata(k, v))
		}
		return nil, xerrors.New(o.Code, o.Message, opts...)
	}
	if o.Result == nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "幂等记录缺少结果")
	}
	replayed := *o.Result
	replayed.Replayed = true
	return &replayed, nil
}

// IdempotencyStore 跟踪 execute 调用的幂等键。
type IdempotencyStore interface {
	// Begin 尝试占用 key。返回 (nil, nil) 表示占用成功；
	// 已完成时返回保存的 Outcome；仍在处理中返回 CONFLICT 错误。
	Begin(ctx context.Context, key string, ttl time.Duration) (*Outcome, error)
	Complete(ctx context.Context, key string, outcome Outcome, ttl time.Duration) error
	// Abandon 释放未完成的 key，使调用方可以用同一 key 重试。
	Abandon(ctx context.Context, key string) error
}

func errKeyInFlight(key string) error {
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("幂等键 %s 正在处理中", key))
}

// MemoryIdempotencyStore 是进程内的幂等键实现。
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*memoryIdempotencyRecord
}

type memoryIdempotencyRecord struct {
	outcome *Outcome
	expires time.Time
}

// NewMemoryIdempotencyStore 创建 MemoryIdempotencyStore。
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{now: time.Now, records: make(map[string]*memoryIdempotencyRecord)}
}

// Begin 实现 IdempotencyStore。
func (m *MemoryIdempotencyStore) Begin(_ context.Context, key string, ttl time.Duration) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if record, ok := m.records[key]; ok && now.Before(record.expires) {
		if record.outcome == nil {
			return nil, errKeyInFlight(key)
		}
		outcome := *record.outcome
		return &outcome, nil
	}
	m.records[key] = &memoryIdempotencyRecord{expires: now.Add(ttl)}
	return nil, nil
}

// Complete 实现 IdempotencyStore。
func (m *MemoryIdempotencyStore) Complete(_ context.Context, key string, outcome Outcome, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = &memoryIdempotencyRecord{outcome: &outcome, expires: m.now().Add(ttl)}
	return nil
}

// Abandon 实现 IdempotencyStore。
func (m *MemoryIdempotencyStore) Abandon(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[key]; ok && record.outcome == nil {
		delete(m.records, key)
	}
	return nil
}
