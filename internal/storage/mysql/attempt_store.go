package mysql

import (
	"context"
	"database/sql"
	"time"

	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AttemptStore 实现 delegation.AttemptStore。
type AttemptStore struct {
	db *sql.DB
}

var _ delegation.AttemptStore = (*AttemptStore)(nil)

// NewAttemptStore 基于已有连接池创建存储。
func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record 写入执行尝试，相同 ID 会覆盖结果字段。
func (s *AttemptStore) Record(ctx context.Context, attempt *delegation.ExecutionAttempt) error {
	if attempt == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录不能为空")
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	value := "0"
	if attempt.Value != nil {
		value = attempt.Value.String()
	}
	ts := attempt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	const stmt = `INSERT INTO execution_attempts
        (id, delegation_hash, target, data, value, tx_hash, status, error, reservation_id, idempotency_key, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE tx_hash = VALUES(tx_hash), status = VALUES(status), error = VALUES(error)`
	if _, err := s.db.ExecContext(ctx, stmt,
		attempt.ID,
		attempt.DelegationHash.Hex(),
		attempt.Target.Hex(),
		attempt.Data,
		value,
		attempt.TxHash,
		string(attempt.Status),
		attempt.Error,
		attempt.ReservationID,
		attempt.IdempotencyKey,
		ts.Unix(),
	); err != nil {
		return storageError(err, "写入执行尝试失败")
	}
	return nil
}

// ListByDelegation 按记录顺序返回执行尝试。
func (s *AttemptStore) ListByDelegation(ctx context.Context, hash common.Hash) ([]*delegation.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, delegation_hash, target, data, value, tx_hash, status, error, reservation_id, idempotency_key, created_at
        FROM execution_attempts WHERE delegation_hash = ? ORDER BY seq ASC`, hash.Hex())
	if err != nil {
		return nil, storageError(err, "查询执行尝试失败")
	}
	defer rows.Close()

	attempts := make([]*delegation.ExecutionAttempt, 0)
	for rows.Next() {
		var (
			attempt                delegation.ExecutionAttempt
			delegationHash, target string
			value, status          string
			errText                sql.NullString
			createdAt              int64
		)
		if err := rows.Scan(&attempt.ID, &delegationHash, &target, &attempt.Data, &value, &attempt.TxHash,
			&status, &errText, &attempt.ReservationID, &attempt.IdempotencyKey, &createdAt); err != nil {
			return nil, storageError(err, "解析执行尝试失败")
		}
		amount, err := parseWei(value)
		if err != nil {
			return nil, storageError(err, "解析执行金额失败")
		}
		attempt.DelegationHash = common.HexToHash(delegationHash)
		attempt.Target = common.HexToAddress(target)
		attempt.Value = amount
		attempt.Status = delegation.AttemptStatus(status)
		attempt.Error = errText.String
		attempt.Timestamp = time.Unix(createdAt, 0).UTC()
		attempts = append(attempts, &attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历执行尝试失败")
	}
	return attempts, nil
}
