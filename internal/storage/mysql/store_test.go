package mysql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"math/big"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	delegator = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegate  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	protocol  = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	baseTime  = time.Unix(1_700_000_000, 0).UTC()
)

var lockDelegationSQL = regexp.QuoteMeta(`SELECT ` + delegationColumns + ` FROM delegations WHERE hash = ? FOR UPDATE`)

func newMock(t *testing.T) (sqlmock.Sqlmock, *DelegationStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return mock, NewDelegationStore(db)
}

func ether(t *testing.T, value string) string {
	t.Helper()
	wei, err := delegation.ParseEther(value)
	if err != nil {
		t.Fatalf("parse ether: %v", err)
	}
	return wei.String()
}

func testDelegation(t *testing.T, nonce uint64) *delegation.Delegation {
	t.Helper()
	limit, _ := delegation.ParseEther("2.5")
	return &delegation.Delegation{
		Hash:      delegation.ComputeHash(delegator, delegate, "defi", nonce),
		Delegator: delegator,
		Delegate:  delegate,
		Scope:     "defi",
		Nonce:     nonce,
		Caveats: delegation.Caveats{
			delegation.MaxAmount{Limit: limit},
			delegation.AllowedTargets{Targets: []common.Address{protocol}},
		},
		CreatedAt: baseTime,
		Expiry:    baseTime.Add(24 * time.Hour),
	}
}

func delegationRow(t *testing.T, d *delegation.Delegation, status delegation.Status, used string) *sqlmock.Rows {
	t.Helper()
	caveats, err := json.Marshal(d.Caveats)
	if err != nil {
		t.Fatalf("marshal caveats: %v", err)
	}
	var revokedAt driver.Value
	if status == delegation.StatusRevoked {
		revokedAt = baseTime.Unix()
	}
	return sqlmock.NewRows([]string{"hash", "delegator", "delegate", "scope", "caveats", "nonce", "signature",
		"created_at", "expiry", "status", "revoked_at", "used_amount", "transaction_count"}).
		AddRow(d.Hash.Hex(), d.Delegator.Hex(), d.Delegate.Hex(), d.Scope, string(caveats), int64(d.Nonce), "",
			d.CreatedAt.Unix(), d.Expiry.Unix(), string(status), revokedAt, used, int64(0))
}

func TestDelegationStoreCreateInsertsNewRecord(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 2)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(nonce) FROM delegations WHERE delegator = ? FOR UPDATE`)).
		WithArgs(delegator.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO delegations`)).
		WithArgs(d.Hash.Hex(), delegator.Hex(), delegate.Hex(), "defi", sqlmock.AnyArg(), int64(2), "",
			baseTime.Unix(), d.Expiry.Unix(), string(delegation.StatusActive)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, ok, err := store.Create(context.Background(), d)
	if err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	if created.Status != delegation.StatusActive || created.UsedAmount.Sign() != 0 {
		t.Fatalf("unexpected record: %+v", created)
	}
}

func TestDelegationStoreCreateReturnsExisting(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, ether(t, "1")))
	mock.ExpectCommit()

	existing, created, err := store.Create(context.Background(), d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created {
		t.Fatalf("identical create must not insert")
	}
	if delegation.FormatEther(existing.UsedAmount) != "1" {
		t.Fatalf("expected stored usage, got %s", existing.UsedAmount)
	}
}

func TestDelegationStoreCreateRejectsStaleNonce(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 3)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(nonce)`)).
		WithArgs(delegator.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(5)))
	mock.ExpectRollback()
	// 冲突后会再读一次，确认不是并发写入的同一委托
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + delegationColumns + ` FROM delegations WHERE hash = ?`)).
		WithArgs(d.Hash.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	_, _, err := store.Create(context.Background(), d)
	if !xerrors.HasCode(err, delegation.CodeNonceReplay) {
		t.Fatalf("expected nonce replay, got %v", err)
	}
}

func TestDelegationStoreReserveSpendLocksRow(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, ether(t, "1.8")))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE delegations SET used_amount = ? WHERE hash = ?`)).
		WithArgs(ether(t, "2.4"), d.Hash.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO spend_reservations`)).
		WithArgs(sqlmock.AnyArg(), d.Hash.Hex(), ether(t, "0.6"), "pending", baseTime.Unix(), baseTime.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	amount, _ := delegation.ParseEther("0.6")
	ticket, err := store.ReserveSpend(context.Background(), d.Hash, amount, baseTime)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ticket.ID == "" || ticket.Status != delegation.ReservationPending {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
}

func TestDelegationStoreReserveSpendRejectsOverCeiling(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, ether(t, "2.4")))
	mock.ExpectRollback()

	amount, _ := delegation.ParseEther("0.6")
	_, err := store.ReserveSpend(context.Background(), d.Hash, amount, baseTime)
	v, ok := delegation.ViolationOf(err)
	if !ok || v.Kind != delegation.KindMaxAmount || v.Observed != "3" || v.Limit != "2.5" {
		t.Fatalf("expected max amount violation, got %v", err)
	}
}

func TestDelegationStoreReserveSpendRejectsRevoked(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusRevoked, "0"))
	mock.ExpectRollback()

	_, err := store.ReserveSpend(context.Background(), d.Hash, common.Big1, baseTime)
	if !xerrors.HasCode(err, delegation.CodeDelegationRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestDelegationStoreReleaseRestoresUsage(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)
	ticket := &delegation.Ticket{ID: "ticket-1", DelegationHash: d.Hash}

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, ether(t, "1.6")))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT amount, status FROM spend_reservations WHERE id = ? AND delegation_hash = ? FOR UPDATE`)).
		WithArgs("ticket-1", d.Hash.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"amount", "status"}).AddRow(ether(t, "0.6"), "pending"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE spend_reservations SET status = ?, updated_at = ? WHERE id = ?`)).
		WithArgs("released", sqlmock.AnyArg(), "ticket-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE delegations SET used_amount = ? WHERE hash = ?`)).
		WithArgs(ether(t, "1"), d.Hash.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := store.ReleaseSpend(context.Background(), d.Hash, ticket)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if delegation.FormatEther(record.UsedAmount) != "1" {
		t.Fatalf("expected usage 1, got %s", delegation.FormatEther(record.UsedAmount))
	}
}

func TestDelegationStoreCommitRejectsSettledTicket(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)
	ticket := &delegation.Ticket{ID: "ticket-1", DelegationHash: d.Hash}

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, ether(t, "1")))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT amount, status FROM spend_reservations`)).
		WithArgs("ticket-1", d.Hash.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"amount", "status"}).AddRow(ether(t, "1"), "released"))
	mock.ExpectRollback()

	if _, err := store.CommitSpend(context.Background(), d.Hash, ticket); !xerrors.HasCode(err, delegation.CodeReservationInvalid) {
		t.Fatalf("expected invalid reservation, got %v", err)
	}
}

func TestDelegationStoreRevokeIsTerminal(t *testing.T) {
	mock, store := newMock(t)
	d := testDelegation(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusActive, "0"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE delegations SET status = ?, revoked_at = ? WHERE hash = ?`)).
		WithArgs("revoked", baseTime.Unix(), d.Hash.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(lockDelegationSQL).WithArgs(d.Hash.Hex()).
		WillReturnRows(delegationRow(t, d, delegation.StatusRevoked, "0"))
	mock.ExpectCommit()

	revoked, err := store.Revoke(context.Background(), d.Hash, baseTime)
	if err != nil || revoked.Status != delegation.StatusRevoked || revoked.RevokedAt == nil {
		t.Fatalf("revoke: %+v %v", revoked, err)
	}
	if _, err := store.Revoke(context.Background(), d.Hash, baseTime); !xerrors.HasCode(err, delegation.CodeAlreadyRevoked) {
		t.Fatalf("expected already revoked, got %v", err)
	}
}

func TestDelegationStoreGetMissing(t *testing.T) {
	mock, store := newMock(t)
	hash := common.HexToHash("0xdead")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM delegations WHERE hash = ?`)).WithArgs(hash.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	if _, err := store.Get(context.Background(), hash); !xerrors.HasCode(err, delegation.CodeDelegationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditStoreQueryBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	store := NewAuditStore(db)
	hash := common.HexToHash("0x01")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_entries WHERE principal = ? AND action IN (?, ?) AND delegation_hash = ? ORDER BY ts ASC, seq ASC LIMIT ? OFFSET ?`)).
		WithArgs(delegator.Hex(), "execute", "validate_reject", hash.Hex(), 10, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal", "action", "delegation_hash", "details", "confidence", "status", "ts", "related_tx_hash"}).
			AddRow("a1", delegator.Hex(), "execute", hash.Hex(), `{"amount":"1"}`, nil, "success", baseTime.Unix(), "0xabc"))

	opts := audit.BuildQueryOptions(
		audit.WithActions(audit.ActionExecute, audit.ActionValidateReject),
		audit.WithDelegation(hash),
		audit.WithOrder(audit.SortAsc),
		audit.WithPage(10, 5),
	)
	entries, err := store.Query(context.Background(), delegator, opts)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["amount"] != "1" || entries[0].RelatedTxHash != "0xabc" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	store := NewAuditStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_entries`)).
		WithArgs("a1", delegator.Hex(), "revoke", sqlmock.AnyArg(), nil, nil, "success", baseTime.Unix(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &audit.Entry{ID: "a1", Principal: delegator, Action: audit.ActionRevoke, Status: audit.StatusSuccess, Timestamp: baseTime}
	if err := store.Insert(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAttemptStoreRecordAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	store := NewAttemptStore(db)
	hash := common.HexToHash("0x02")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO execution_attempts`)).
		WithArgs(sqlmock.AnyArg(), hash.Hex(), protocol.Hex(), []byte{0x01}, "5", "0xtx", "success", "", "ticket", "", baseTime.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM execution_attempts WHERE delegation_hash = ? ORDER BY seq ASC`)).
		WithArgs(hash.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "delegation_hash", "target", "data", "value", "tx_hash", "status", "error", "reservation_id", "idempotency_key", "created_at"}).
			AddRow("at-1", hash.Hex(), protocol.Hex(), []byte{0x01}, "5", "0xtx", "success", nil, "ticket", "", baseTime.Unix()))

	attempt := &delegation.ExecutionAttempt{
		DelegationHash: hash,
		Target:         protocol,
		Data:           []byte{0x01},
		Value:          big.NewInt(5),
		TxHash:         "0xtx",
		Status:         delegation.AttemptSuccess,
		ReservationID:  "ticket",
		Timestamp:      baseTime,
	}
	if err := store.Record(context.Background(), attempt); err != nil {
		t.Fatalf("record: %v", err)
	}
	if attempt.ID == "" {
		t.Fatalf("expected generated id")
	}

	attempts, err := store.ListByDelegation(context.Background(), hash)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Value.Int64() != 5 || attempts[0].Target != protocol {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var (
	initSQL  = []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")
	indexSQL = []byte("CREATE INDEX idx ON a (id);")
)

func useMigrations(t *testing.T) {
	t.Helper()
	previous := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_init.sql":  {Data: initSQL},
		"0002_index.sql": {Data: indexSQL},
		"README.md":      {Data: []byte("ignored")},
	}
	t.Cleanup(func() { embeddedMigrations = previous })
}

func expectAppliedVersions(mock sqlmock.Sqlmock, checksum string) {
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version, checksum FROM schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("0001", checksum))
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	useMigrations(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	expectAppliedVersions(mock, crypto.Keccak256Hash(initSQL).Hex())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX idx ON a (id)`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations`)).
		WithArgs("0002", crypto.Keccak256Hash(indexSQL).Hex(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := Migrate(context.Background(), db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002" {
		t.Fatalf("unexpected applied versions: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRejectsModifiedFile(t *testing.T) {
	useMigrations(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	expectAppliedVersions(mock, crypto.Keccak256Hash([]byte("CREATE TABLE a (id BIGINT);")).Hex())
	if _, err := Migrate(context.Background(), db); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict for modified migration, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPendingMigrationsDoesNotApply(t *testing.T) {
	useMigrations(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	expectAppliedVersions(mock, crypto.Keccak256Hash(initSQL).Hex())
	pending, err := PendingMigrations(context.Background(), db)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "0002" {
		t.Fatalf("unexpected pending versions: %v", pending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0002.sql":      "0002",
		"_odd.sql":      "_odd",
	}
	for name, want := range cases {
		if got := migrationVersion(name); got != want {
			t.Fatalf("migrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestOpenValidatesDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure for empty dsn, got %v", err)
	}
	if _, err := Open(context.Background(), Config{DSN: "not a dsn"}); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure for malformed dsn, got %v", err)
	}

	cfg := Config{MaxOpenConns: 4}.withPoolDefaults()
	if cfg.MaxOpenConns != 4 || cfg.MaxIdleConns != 4 || cfg.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected pool defaults: %+v", cfg)
	}
}
