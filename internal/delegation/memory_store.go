package delegation

import (
	"context"
	"math/big"
	"sync"
	"time"

	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MemoryStore 在内存中保存委托，主要用于测试和单机部署。
// 索引由 indexMu 保护，每条委托另有独立的互斥锁，
// 因此不同哈希上的额度操作互不竞争。
type MemoryStore struct {
	indexMu     sync.RWMutex
	entries     map[common.Hash]*memoryEntry
	byDelegator map[common.Address][]common.Hash
	latestNonce map[common.Address]uint64
}

type memoryEntry struct {
	mu      sync.Mutex
	record  *Delegation
	tickets map[string]*Ticket
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[common.Hash]*memoryEntry),
		byDelegator: make(map[common.Address][]common.Hash),
		latestNonce: make(map[common.Address]uint64),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, d *Delegation) (*Delegation, bool, error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}

	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	if existing, ok := m.entries[d.Hash]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.record.Clone(), false, nil
	}
	latest, hasLatest := m.latestNonce[d.Delegator]
	if err := ValidateNonce(d.Nonce, latest, hasLatest); err != nil {
		return nil, false, err
	}

	record := d.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Status = StatusActive
	record.RevokedAt = nil
	record.UsedAmount = new(big.Int)
	record.TransactionCount = 0

	m.entries[record.Hash] = &memoryEntry{record: record, tickets: make(map[string]*Ticket)}
	m.byDelegator[record.Delegator] = append(m.byDelegator[record.Delegator], record.Hash)
	m.latestNonce[record.Delegator] = record.Nonce
	return record.Clone(), true, nil
}

func (m *MemoryStore) entry(hash common.Hash) (*memoryEntry, error) {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	e, ok := m.entries[hash]
	if !ok {
		return nil, ErrNotFound(hash)
	}
	return e, nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, hash common.Hash) (*Delegation, error) {
	e, err := m.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), nil
}

// ListByDelegator 按创建顺序返回委托人的全部委托。
func (m *MemoryStore) ListByDelegator(_ context.Context, delegator common.Address) ([]*Delegation, error) {
	m.indexMu.RLock()
	hashes := append([]common.Hash(nil), m.byDelegator[delegator]...)
	entries := make([]*memoryEntry, 0, len(hashes))
	for _, hash := range hashes {
		entries = append(entries, m.entries[hash])
	}
	m.indexMu.RUnlock()

	result := make([]*Delegation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.record.Clone())
		e.mu.Unlock()
	}
	return result, nil
}

// LatestNonce 返回委托人已使用的最大 nonce。
func (m *MemoryStore) LatestNonce(_ context.Context, delegator common.Address) (uint64, bool, error) {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	nonce, ok := m.latestNonce[delegator]
	return nonce, ok, nil
}

// ReserveSpend 在单个临界区内完成状态检查、额度判断与 usedAmount 增加。
func (m *MemoryStore) ReserveSpend(_ context.Context, hash common.Hash, amount *big.Int, now time.Time) (*Ticket, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须为非负数")
	}
	e, err := m.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	if err := CheckSpendable(record, amount, now); err != nil {
		return nil, err
	}

	ticket := &Ticket{
		ID:             uuid.NewString(),
		DelegationHash: hash,
		Amount:         new(big.Int).Set(amount),
		Status:         ReservationPending,
		CreatedAt:      now,
	}
	record.UsedAmount = new(big.Int).Add(cloneBig(record.UsedAmount), amount)
	e.tickets[ticket.ID] = ticket
	clone := *ticket
	clone.Amount = new(big.Int).Set(ticket.Amount)
	return &clone, nil
}

// CheckSpendable 判断委托当前能否再预留 amount，调用方须持有该委托的锁或行锁。
func CheckSpendable(record *Delegation, amount *big.Int, now time.Time) error {
	switch record.EffectiveStatus(now) {
	case StatusRevoked:
		return ErrRevoked(record.Hash)
	case StatusExpired:
		return ErrExpired(record.Hash)
	}
	limit, ok := record.SpendLimit()
	if !ok {
		return nil
	}
	if v := (MaxAmount{Limit: limit}).check(record, Action{Amount: amount}, now); v != nil {
		return v.AsError()
	}
	return nil
}

// CommitSpend 确认预留，交易计数加一。
func (m *MemoryStore) CommitSpend(_ context.Context, hash common.Hash, ticket *Ticket) (*Delegation, error) {
	e, err := m.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := pendingTicket(e, hash, ticket)
	if err != nil {
		return nil, err
	}
	stored.Status = ReservationCommitted
	e.record.TransactionCount++
	return e.record.Clone(), nil
}

// ReleaseSpend 撤回预留并恢复 usedAmount。
func (m *MemoryStore) ReleaseSpend(_ context.Context, hash common.Hash, ticket *Ticket) (*Delegation, error) {
	e, err := m.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := pendingTicket(e, hash, ticket)
	if err != nil {
		return nil, err
	}
	stored.Status = ReservationReleased
	used := new(big.Int).Sub(cloneBig(e.record.UsedAmount), stored.Amount)
	if used.Sign() < 0 {
		used.SetInt64(0)
	}
	e.record.UsedAmount = used
	return e.record.Clone(), nil
}

func pendingTicket(e *memoryEntry, hash common.Hash, ticket *Ticket) (*Ticket, error) {
	if ticket == nil {
		return nil, ErrReservationInvalid("", "凭证为空")
	}
	if ticket.DelegationHash != hash {
		return nil, ErrReservationInvalid(ticket.ID, "凭证不属于该委托")
	}
	stored, ok := e.tickets[ticket.ID]
	if !ok {
		return nil, ErrReservationInvalid(ticket.ID, "凭证不存在")
	}
	if stored.Status != ReservationPending {
		return nil, ErrReservationInvalid(ticket.ID, "凭证已"+string(stored.Status))
	}
	return stored, nil
}

// Revoke 将委托置为撤销状态，撤销是终态。
func (m *MemoryStore) Revoke(_ context.Context, hash common.Hash, now time.Time) (*Delegation, error) {
	e, err := m.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Status == StatusRevoked {
		return e.record.Clone(), ErrAlreadyRevoked(hash)
	}
	revokedAt := now.UTC()
	e.record.Status = StatusRevoked
	e.record.RevokedAt = &revokedAt
	return e.record.Clone(), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// MemoryAttemptStore 在内存中保存执行尝试。
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[common.Hash][]*ExecutionAttempt
}

// NewMemoryAttemptStore 创建 MemoryAttemptStore。
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[common.Hash][]*ExecutionAttempt)}
}

// Record 实现 AttemptStore 接口。
func (m *MemoryAttemptStore) Record(_ context.Context, attempt *ExecutionAttempt) error {
	if attempt == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录不能为空")
	}
	clone := cloneAttempt(attempt)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
		attempt.ID = clone.ID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[clone.DelegationHash] = append(m.attempts[clone.DelegationHash], clone)
	return nil
}

// ListByDelegation 按记录顺序返回执行尝试。
func (m *MemoryAttemptStore) ListByDelegation(_ context.Context, hash common.Hash) ([]*ExecutionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.attempts[hash]
	result := make([]*ExecutionAttempt, 0, len(stored))
	for _, attempt := range stored {
		result = append(result, cloneAttempt(attempt))
	}
	return result, nil
}

func cloneAttempt(attempt *ExecutionAttempt) *ExecutionAttempt {
	clone := *attempt
	clone.Data = append([]byte(nil), attempt.Data...)
	clone.Value = cloneBig(attempt.Value)
	return &clone
}
