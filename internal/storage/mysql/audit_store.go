package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"AgentGuard-Chain/internal/audit"

	"github.com/ethereum/go-ethereum/common"
)

// AuditStore 实现 audit.Store，只做追加写入。
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore 基于已有连接池创建存储。
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Insert 实现 audit.Store。
func (s *AuditStore) Insert(ctx context.Context, entry *audit.Entry) error {
	var details sql.NullString
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return storageError(err, "编码审计详情失败")
		}
		details = sql.NullString{String: string(encoded), Valid: true}
	}
	var confidence sql.NullFloat64
	if entry.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *entry.Confidence, Valid: true}
	}

	const stmt = `INSERT INTO audit_entries
        (id, principal, action, delegation_hash, details, confidence, status, ts, related_tx_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.Principal.Hex(),
		string(entry.Action),
		entry.DelegationHash.Hex(),
		details,
		confidence,
		string(entry.Status),
		entry.Timestamp.Unix(),
		entry.RelatedTxHash,
	); err != nil {
		return storageError(err, "写入审计记录失败")
	}
	return nil
}

// Query 实现 audit.Store。
func (s *AuditStore) Query(ctx context.Context, principal common.Address, opts audit.QueryOptions) ([]*audit.Entry, error) {
	query, args := buildAuditQuery(principal, opts.Normalized())
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询审计记录失败")
	}
	defer rows.Close()

	entries := make([]*audit.Entry, 0)
	for rows.Next() {
		var (
			entry                              audit.Entry
			principalHex, action, hash, status string
			details                            sql.NullString
			confidence                         sql.NullFloat64
			ts                                 int64
		)
		if err := rows.Scan(&entry.ID, &principalHex, &action, &hash, &details, &confidence, &status, &ts, &entry.RelatedTxHash); err != nil {
			return nil, storageError(err, "解析审计记录失败")
		}
		entry.Principal = common.HexToAddress(principalHex)
		entry.Action = audit.ActionKind(action)
		entry.DelegationHash = common.HexToHash(hash)
		entry.Status = audit.Status(status)
		entry.Timestamp = time.Unix(ts, 0).UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, storageError(err, "解析审计详情失败")
			}
		}
		if confidence.Valid {
			c := confidence.Float64
			entry.Confidence = &c
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历审计记录失败")
	}
	return entries, nil
}

func buildAuditQuery(principal common.Address, opts audit.QueryOptions) (string, []any) {
	var (
		where = []string{"principal = ?"}
		args  = []any{principal.Hex()}
	)
	if len(opts.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(opts.Actions))+")")
		for _, action := range opts.Actions {
			args = append(args, string(action))
		}
	}
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.DelegationHash != nil {
		where = append(where, "delegation_hash = ?")
		args = append(args, opts.DelegationHash.Hex())
	}
	if !opts.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, opts.Since.Unix())
	}
	if !opts.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, opts.Until.Unix())
	}

	order := "DESC"
	if opts.Order == audit.SortAsc {
		order = "ASC"
	}
	query := `SELECT id, principal, action, delegation_hash, details, confidence, status, ts, related_tx_hash
        FROM audit_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ts ` + order + `, seq ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return query, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
