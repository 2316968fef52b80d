package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

const delegationColumns = `hash, delegator, delegate, scope, caveats, nonce, signature, created_at, expiry, status, revoked_at, used_amount, transaction_count`

// DelegationStore 实现 delegation.Store。
type DelegationStore struct {
	db *sql.DB
}

var _ delegation.Store = (*DelegationStore)(nil)

// NewDelegationStore 基于已有连接池创建存储。
func NewDelegationStore(db *sql.DB) *DelegationStore {
	return &DelegationStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*delegation.Delegation, error) {
	var (
		hash, delegator, delegate string
		caveats, signature        string
		createdAt, expiry         int64
		status, used              string
		revokedAt                 sql.NullInt64
		d                         delegation.Delegation
	)
	if err := row.Scan(&hash, &delegator, &delegate, &d.Scope, &caveats, &d.Nonce, &signature,
		&createdAt, &expiry, &status, &revokedAt, &used, &d.TransactionCount); err != nil {
		return nil, err
	}
	d.Hash = common.HexToHash(hash)
	d.Delegator = common.HexToAddress(delegator)
	d.Delegate = common.HexToAddress(delegate)
	if err := json.Unmarshal([]byte(caveats), &d.Caveats); err != nil {
		return nil, fmt.Errorf("解析委托约束失败: %w", err)
	}
	if signature != "" {
		sig, err := hexutil.Decode(signature)
		if err != nil {
			return nil, fmt.Errorf("解析委托签名失败: %w", err)
		}
		d.Signature = sig
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	if expiry > 0 {
		d.Expiry = time.Unix(expiry, 0).UTC()
	}
	d.Status = delegation.Status(status)
	if revokedAt.Valid {
		at := time.Unix(revokedAt.Int64, 0).UTC()
		d.RevokedAt = &at
	}
	amount, err := parseWei(used)
	if err != nil {
		return nil, err
	}
	d.UsedAmount = amount
	return &d, nil
}

func parseWei(value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("非法金额 %q", value)
	}
	return amount, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *DelegationStore) lockDelegation(ctx context.Context, tx *sql.Tx, hash common.Hash) (*delegation.Delegation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE hash = ? FOR UPDATE`, hash.Hex())
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delegation.ErrNotFound(hash)
	}
	if err != nil {
		return nil, storageError(err, "锁定委托失败")
	}
	return d, nil
}

// Create 实现 delegation.Store。相同内容的重复创建返回已有记录。
func (s *DelegationStore) Create(ctx context.Context, d *delegation.Delegation) (*delegation.Delegation, bool, error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}
	record := d.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Status = delegation.StatusActive
	record.RevokedAt = nil
	record.UsedAmount = new(big.Int)
	record.TransactionCount = 0

	caveats, err := json.Marshal(record.Caveats)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码委托约束失败")
	}
	signature := ""
	if len(record.Signature) > 0 {
		signature = hexutil.Encode(record.Signature)
	}

	var (
		result  *delegation.Delegation
		created bool
	)
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.lockDelegation(ctx, tx, record.Hash)
		if err == nil {
			result = existing
			return nil
		}
		if !xerrors.HasCode(err, delegation.CodeDelegationNotFound) {
			return err
		}

		var latest sql.Null[uint64]
		if err := tx.QueryRowContext(ctx, `SELECT MAX(nonce) FROM delegations WHERE delegator = ? FOR UPDATE`,
			record.Delegator.Hex()).Scan(&latest); err != nil {
			return storageError(err, "查询委托 nonce 失败")
		}
		if err := delegation.ValidateNonce(record.Nonce, latest.V, latest.Valid); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO delegations (`+delegationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '0', 0)`,
			record.Hash.Hex(),
			record.Delegator.Hex(),
			record.Delegate.Hex(),
			record.Scope,
			string(caveats),
			record.Nonce,
			signature,
			record.CreatedAt.Unix(),
			unixOrZero(record.Expiry),
			string(record.Status),
		); err != nil {
			if isDuplicate(err) {
				return delegation.ErrNonceReplay(record.Nonce, record.Nonce)
			}
			return storageError(err, "写入委托失败")
		}
		result = record
		created = true
		return nil
	})
	if err != nil {
		if !xerrors.HasCode(err, delegation.CodeNonceReplay) {
			return nil, false, err
		}
		// 并发创建同一委托时唯一键冲突，读取对方写入的记录
		if existing, getErr := s.Get(ctx, record.Hash); getErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return result.Clone(), created, nil
}

// Get 实现 delegation.Store。
func (s *DelegationStore) Get(ctx context.Context, hash common.Hash) (*delegation.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE hash = ?`, hash.Hex())
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delegation.ErrNotFound(hash)
	}
	if err != nil {
		return nil, storageError(err, "查询委托失败")
	}
	return d, nil
}

// ListByDelegator 实现 delegation.Store，按创建顺序返回。
func (s *DelegationStore) ListByDelegator(ctx context.Context, delegator common.Address) ([]*delegation.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE delegator = ? ORDER BY seq ASC`, delegator.Hex())
	if err != nil {
		return nil, storageError(err, "查询委托列表失败")
	}
	defer rows.Close()

	records := make([]*delegation.Delegation, 0)
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, storageError(err, "解析委托记录失败")
		}
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历委托记录失败")
	}
	return records, nil
}

// LatestNonce 实现 delegation.Store。
func (s *DelegationStore) LatestNonce(ctx context.Context, delegator common.Address) (uint64, bool, error) {
	var latest sql.Null[uint64]
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(nonce) FROM delegations WHERE delegator = ?`, delegator.Hex()).Scan(&latest); err != nil {
		return 0, false, storageError(err, "查询委托 nonce 失败")
	}
	return latest.V, latest.Valid, nil
}

// ReserveSpend 实现 delegation.Store。行锁内完成状态与额度检查，
// 并发的预留在同一委托上串行化。
func (s *DelegationStore) ReserveSpend(ctx context.Context, hash common.Hash, amount *big.Int, now time.Time) (*delegation.Ticket, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须为非负数")
	}
	ticket := &delegation.Ticket{
		ID:             uuid.NewString(),
		DelegationHash: hash,
		Amount:         new(big.Int).Set(amount),
		Status:         delegation.ReservationPending,
		CreatedAt:      now.UTC(),
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		record, err := s.lockDelegation(ctx, tx, hash)
		if err != nil {
			return err
		}
		if err := delegation.CheckSpendable(record, amount, now); err != nil {
			return err
		}
		used := new(big.Int).Add(record.UsedAmount, amount)
		if _, err := tx.ExecContext(ctx, `UPDATE delegations SET used_amount = ? WHERE hash = ?`, used.String(), hash.Hex()); err != nil {
			return storageError(err, "更新已用额度失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO spend_reservations (id, delegation_hash, amount, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
			ticket.ID, hash.Hex(), amount.String(), string(ticket.Status), now.Unix(), now.Unix()); err != nil {
			return storageError(err, "写入额度预留失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func lockTicket(ctx context.Context, tx *sql.Tx, hash common.Hash, ticket *delegation.Ticket) (*big.Int, error) {
	if ticket == nil {
		return nil, delegation.ErrReservationInvalid("", "凭证为空")
	}
	if ticket.DelegationHash != hash {
		return nil, delegation.ErrReservationInvalid(ticket.ID, "凭证不属于该委托")
	}
	var amount, status string
	err := tx.QueryRowContext(ctx, `SELECT amount, status FROM spend_reservations WHERE id = ? AND delegation_hash = ? FOR UPDATE`,
		ticket.ID, hash.Hex()).Scan(&amount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delegation.ErrReservationInvalid(ticket.ID, "凭证不存在")
	}
	if err != nil {
		return nil, storageError(err, "锁定额度预留失败")
	}
	if delegation.ReservationStatus(status) != delegation.ReservationPending {
		return nil, delegation.ErrReservationInvalid(ticket.ID, "凭证已"+status)
	}
	return parseWei(amount)
}

func (s *DelegationStore) settle(ctx context.Context, hash common.Hash, ticket *delegation.Ticket, status delegation.ReservationStatus) (*delegation.Delegation, error) {
	var result *delegation.Delegation
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		record, err := s.lockDelegation(ctx, tx, hash)
		if err != nil {
			return err
		}
		amount, err := lockTicket(ctx, tx, hash, ticket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE spend_reservations SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().Unix(), ticket.ID); err != nil {
			return storageError(err, "更新额度预留失败")
		}

		switch status {
		case delegation.ReservationCommitted:
			record.TransactionCount++
			if _, err := tx.ExecContext(ctx, `UPDATE delegations SET transaction_count = ? WHERE hash = ?`,
				record.TransactionCount, hash.Hex()); err != nil {
				return storageError(err, "更新交易计数失败")
			}
		case delegation.ReservationReleased:
			used := new(big.Int).Sub(record.UsedAmount, amount)
			if used.Sign() < 0 {
				used.SetInt64(0)
			}
			record.UsedAmount = used
			if _, err := tx.ExecContext(ctx, `UPDATE delegations SET used_amount = ? WHERE hash = ?`,
				used.String(), hash.Hex()); err != nil {
				return storageError(err, "恢复已用额度失败")
			}
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CommitSpend 实现 delegation.Store。
func (s *DelegationStore) CommitSpend(ctx context.Context, hash common.Hash, ticket *delegation.Ticket) (*delegation.Delegation, error) {
	return s.settle(ctx, hash, ticket, delegation.ReservationCommitted)
}

// ReleaseSpend 实现 delegation.Store。
func (s *DelegationStore) ReleaseSpend(ctx context.Context, hash common.Hash, ticket *delegation.Ticket) (*delegation.Delegation, error) {
	return s.settle(ctx, hash, ticket, delegation.ReservationReleased)
}

// Revoke 实现 delegation.Store。
func (s *DelegationStore) Revoke(ctx context.Context, hash common.Hash, now time.Time) (*delegation.Delegation, error) {
	var (
		result     *delegation.Delegation
		alreadyErr error
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		record, err := s.lockDelegation(ctx, tx, hash)
		if err != nil {
			return err
		}
		if record.Status == delegation.StatusRevoked {
			result = record
			alreadyErr = delegation.ErrAlreadyRevoked(hash)
			return nil
		}
		revokedAt := now.UTC().Truncate(time.Second)
		if _, err := tx.ExecContext(ctx, `UPDATE delegations SET status = ?, revoked_at = ? WHERE hash = ?`,
			string(delegation.StatusRevoked), revokedAt.Unix(), hash.Hex()); err != nil {
			return storageError(err, "撤销委托失败")
		}
		record.Status = delegation.StatusRevoked
		record.RevokedAt = &revokedAt
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, alreadyErr
}

// Close 关闭底层连接池。
func (s *DelegationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
