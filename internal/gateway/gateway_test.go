package gateway

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"
	"AgentGuard-Chain/internal/revocation"
	"AgentGuard-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/goleak"
)

var (
	delegator   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegate    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	protocolOne = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	protocolTwo = common.HexToAddress("0xAbCdEf0000000000000000000000000000000002")
	protocolX   = common.HexToAddress("0xAbCdEf0000000000000000000000000000000003")
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingSubmitter struct {
	calls atomic.Int64
	fail  error
	block bool
}

func (s *countingSubmitter) Submit(ctx context.Context, req web3.SubmitRequest) (web3.SubmitResult, error) {
	n := s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return web3.SubmitResult{}, ctx.Err()
	}
	if s.fail != nil {
		return web3.SubmitResult{}, s.fail
	}
	return web3.SubmitResult{TxHash: common.BigToHash(big.NewInt(n)), Nonce: uint64(n - 1)}, nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveExecution(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *countingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

type fixture struct {
	clock     *fixedClock
	store     *delegation.MemoryStore
	attempts  *delegation.MemoryAttemptStore
	registry  *revocation.Registry
	submitter *countingSubmitter
	audits    *audit.MemoryStore
	observer  *countingObserver
	gateway   *Gateway
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:     &fixedClock{now: time.Unix(1_700_000_000, 0).UTC()},
		store:     delegation.NewMemoryStore(),
		attempts:  delegation.NewMemoryAttemptStore(),
		submitter: &countingSubmitter{},
		audits:    audit.NewMemoryStore(),
		observer:  &countingObserver{},
	}
	f.registry = revocation.NewRegistry(f.store, revocation.WithClock(f.clock))
	recorder := audit.NewRecorder(f.audits, audit.WithClock(f.clock.Now))
	base := []Option{WithClock(f.clock), WithObserver(f.observer)}
	f.gateway = New(f.store, f.attempts, f.registry, f.submitter, recorder, append(base, opts...)...)
	return f
}

func ether(t *testing.T, value string) *big.Int {
	t.Helper()
	wei, err := delegation.ParseEther(value)
	if err != nil {
		t.Fatalf("parse ether %q: %v", value, err)
	}
	return wei
}

// seed 创建 MaxAmount=2.5、允许 P1/P2、24 小时有效的委托。
func (f *fixture) seed(t *testing.T, nonce uint64) *delegation.Delegation {
	t.Helper()
	now := f.clock.Now()
	expiry := now.Add(24 * time.Hour)
	d := &delegation.Delegation{
		Hash:      delegation.ComputeHash(delegator, delegate, "defi", nonce),
		Delegator: delegator,
		Delegate:  delegate,
		Scope:     "defi",
		Nonce:     nonce,
		Caveats: delegation.Caveats{
			delegation.MaxAmount{Limit: ether(t, "2.5")},
			delegation.AllowedTargets{Targets: []common.Address{protocolOne, protocolTwo}},
			delegation.Expiry{At: expiry},
		},
		CreatedAt: now,
		Expiry:    expiry,
	}
	created, _, err := f.store.Create(context.Background(), d)
	if err != nil {
		t.Fatalf("seed delegation: %v", err)
	}
	return created
}

func (f *fixture) execute(t *testing.T, hash common.Hash, target common.Address, amount string) (*Result, error) {
	t.Helper()
	return f.gateway.Execute(context.Background(), Request{
		Hash:   hash,
		Action: delegation.Action{Target: target, Amount: ether(t, amount)},
	})
}

func (f *fixture) auditEntries(t *testing.T, principal common.Address) []*audit.Entry {
	t.Helper()
	entries, err := f.audits.Query(context.Background(), principal, audit.BuildQueryOptions(audit.WithPage(500, 0)))
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	return entries
}

func (f *fixture) used(t *testing.T, hash common.Hash) string {
	t.Helper()
	d, err := f.store.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("get delegation: %v", err)
	}
	return delegation.FormatEther(d.UsedAmount)
}

func expectViolation(t *testing.T, err error, kind delegation.Kind, observed, limit string) {
	t.Helper()
	if !xerrors.HasCode(err, delegation.CodeCaveatViolation) {
		t.Fatalf("expected caveat violation, got %v", err)
	}
	v, ok := delegation.ViolationOf(err)
	if !ok {
		t.Fatalf("violation details missing from %v", err)
	}
	if v.Kind != kind || v.Observed != observed || v.Limit != limit {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestExecuteWithinCaveatsUpdatesUsage(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	result, err := f.execute(t, d.Hash, protocolOne, "1.0")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.UsedAmount != "1" || result.Remaining != "1.5" || result.TransactionCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.TxHash == "" || result.AttemptID == "" {
		t.Fatalf("expected tx hash and attempt id: %+v", result)
	}

	attempts, _ := f.attempts.ListByDelegation(context.Background(), d.Hash)
	if len(attempts) != 1 || attempts[0].Status != delegation.AttemptSuccess {
		t.Fatalf("expected one successful attempt, got %+v", attempts)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 1 || entries[0].Action != audit.ActionExecute || entries[0].Status != audit.StatusSuccess {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
	if entries[0].RelatedTxHash != result.TxHash {
		t.Fatalf("audit entry must reference tx hash")
	}
	if f.observer.count("success") != 1 {
		t.Fatalf("expected success observation")
	}
}

func TestExecuteRejectsAmountAboveCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	if _, err := f.execute(t, d.Hash, protocolOne, "1.0"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := f.execute(t, d.Hash, protocolOne, "3.0")
	expectViolation(t, err, delegation.KindMaxAmount, "3", "2.5")

	if used := f.used(t, d.Hash); used != "1" {
		t.Fatalf("rejected call must not change usage, got %s", used)
	}
	if f.submitter.calls.Load() != 1 {
		t.Fatalf("rejected call must not reach the chain")
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	reject := entries[0]
	if reject.Action != audit.ActionValidateReject || reject.Status != audit.StatusRejected {
		t.Fatalf("unexpected rejection entry: %+v", reject)
	}
	if reject.Details["kind"] != string(delegation.KindMaxAmount) || reject.Details["observed"] != "3" {
		t.Fatalf("rejection entry must carry violation details: %+v", reject.Details)
	}
}

func TestExecuteRejectsTargetOutsideAllowList(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	_, err := f.execute(t, d.Hash, protocolX, "0.1")
	if !xerrors.HasCode(err, delegation.CodeCaveatViolation) {
		t.Fatalf("expected caveat violation, got %v", err)
	}
	v, _ := delegation.ViolationOf(err)
	if v == nil || v.Kind != delegation.KindAllowedTargets {
		t.Fatalf("expected allowed targets violation, got %+v", v)
	}

	// 地址大小写不影响匹配
	lower := common.HexToAddress("0xabcdef0000000000000000000000000000000002")
	if _, err := f.gateway.Execute(context.Background(), Request{
		Hash:   d.Hash,
		Action: delegation.Action{Target: lower, Amount: ether(t, "0.1")},
	}); err != nil {
		t.Fatalf("lowercase target must be allowed: %v", err)
	}
}

func TestExecuteAfterRevokeIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	if _, err := f.registry.Revoke(context.Background(), d.Hash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := f.execute(t, d.Hash, protocolOne, "0.1")
	if !xerrors.HasCode(err, delegation.CodeDelegationRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if f.submitter.calls.Load() != 0 {
		t.Fatalf("revoked delegation must not reach the chain")
	}
	if used := f.used(t, d.Hash); used != "0" {
		t.Fatalf("unexpected usage %s", used)
	}
}

func TestExecuteAfterExpiryIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	f.clock.Advance(25 * time.Hour)
	_, err := f.execute(t, d.Hash, protocolOne, "0.1")
	if !xerrors.HasCode(err, delegation.CodeDelegationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if f.submitter.calls.Load() != 0 {
		t.Fatalf("expired delegation must not reach the chain")
	}
}

func TestConcurrentExecutionNeverExceedsCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)

	const callers = 5
	amount := ether(t, "0.6")
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		failures []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gateway.Execute(context.Background(), Request{
				Hash:   d.Hash,
				Action: delegation.Action{Target: protocolOne, Amount: amount},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			success++
		}()
	}
	wg.Wait()

	if success != 4 || len(failures) != 1 {
		t.Fatalf("expected 4 successes and 1 failure, got %d/%d", success, len(failures))
	}
	expectViolation(t, failures[0], delegation.KindMaxAmount, "3", "2.5")
	if used := f.used(t, d.Hash); used != "2.4" {
		t.Fatalf("expected cumulative usage 2.4, got %s", used)
	}
	if got := f.submitter.calls.Load(); got != 4 {
		t.Fatalf("expected 4 submissions, got %d", got)
	}
	if entries := f.auditEntries(t, delegator); len(entries) != callers {
		t.Fatalf("expected one audit entry per call, got %d", len(entries))
	}
}

func TestExecuteUnknownDelegationIsAudited(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)

	missing := common.HexToHash("0xdead")
	_, err := f.execute(t, missing, protocolOne, "0.1")
	if !xerrors.HasCode(err, delegation.CodeDelegationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entries := f.auditEntries(t, common.Address{})
	if len(entries) != 1 || entries[0].DelegationHash != missing || entries[0].Status != audit.StatusRejected {
		t.Fatalf("unexpected audit trail for unknown delegation: %+v", entries)
	}
}

func TestSubmitFailureReleasesReservation(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	f.submitter.fail = errors.New("insufficient funds for gas")
	d := f.seed(t, 1)

	_, err := f.execute(t, d.Hash, protocolOne, "1.0")
	if !xerrors.HasCode(err, delegation.CodeExecutionFailure) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("execution failure must be retryable")
	}
	if used := f.used(t, d.Hash); used != "0" {
		t.Fatalf("failed submission must release the reservation, got %s", used)
	}
	attempts, _ := f.attempts.ListByDelegation(context.Background(), d.Hash)
	if len(attempts) != 1 || attempts[0].Status != delegation.AttemptFailed || attempts[0].Error == "" {
		t.Fatalf("expected failed attempt, got %+v", attempts)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 1 || entries[0].Status != audit.StatusFailed {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
}

func TestSubmitTimeoutReleasesReservation(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, WithSubmitTimeout(20*time.Millisecond))
	f.submitter.block = true
	d := f.seed(t, 1)

	_, err := f.execute(t, d.Hash, protocolOne, "1.0")
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if used := f.used(t, d.Hash); used != "0" {
		t.Fatalf("timed out submission must release the reservation, got %s", used)
	}
	if f.observer.count("timeout") != 1 {
		t.Fatalf("expected timeout observation")
	}

	// 释放后的额度可以再次使用
	f.submitter.block = false
	if _, err := f.execute(t, d.Hash, protocolOne, "2.5"); err != nil {
		t.Fatalf("execute after release: %v", err)
	}
}

func TestIdempotentRetryDoesNotResubmit(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, WithIdempotency(NewMemoryIdempotencyStore(), time.Hour))
	d := f.seed(t, 1)
	req := Request{
		Hash:           d.Hash,
		Action:         delegation.Action{Target: protocolOne, Amount: ether(t, "1.0")},
		IdempotencyKey: "order-42",
	}

	first, err := f.gateway.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := f.gateway.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed execute: %v", err)
	}
	if !second.Replayed || second.TxHash != first.TxHash {
		t.Fatalf("expected replay of first result, got %+v", second)
	}
	if f.submitter.calls.Load() != 1 {
		t.Fatalf("replay must not resubmit")
	}
	if used := f.used(t, d.Hash); used != "1" {
		t.Fatalf("replay must not spend again, got %s", used)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 2 || entries[0].Status != audit.StatusReplayed {
		t.Fatalf("expected replay audit entry, got %+v", entries)
	}
	if f.observer.count("replayed") != 1 {
		t.Fatalf("expected replay observation")
	}
}

func TestIdempotentRejectionIsReplayed(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, WithIdempotency(NewMemoryIdempotencyStore(), time.Hour))
	d := f.seed(t, 1)
	req := Request{
		Hash:           d.Hash,
		Action:         delegation.Action{Target: protocolX, Amount: ether(t, "0.1")},
		IdempotencyKey: "bad-target",
	}

	_, first := f.gateway.Execute(context.Background(), req)
	_, second := f.gateway.Execute(context.Background(), req)
	if xerrors.CodeOf(first) != delegation.CodeCaveatViolation || xerrors.CodeOf(second) != delegation.CodeCaveatViolation {
		t.Fatalf("expected stored rejection, got %v / %v", first, second)
	}
	if e, ok := xerrors.From(second); !ok || e.Metadata()["kind"] != string(delegation.KindAllowedTargets) {
		t.Fatalf("replayed rejection must keep metadata: %v", second)
	}
}

func TestIdempotencyKeyInFlightConflicts(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := NewMemoryIdempotencyStore()
	f := newFixture(t, WithIdempotency(store, time.Hour))
	d := f.seed(t, 1)

	key := d.Hash.Hex() + ":busy"
	if _, err := store.Begin(context.Background(), key, time.Hour); err != nil {
		t.Fatalf("claim key: %v", err)
	}
	_, err := f.gateway.Execute(context.Background(), Request{
		Hash:           d.Hash,
		Action:         delegation.Action{Target: protocolOne, Amount: ether(t, "0.1")},
		IdempotencyKey: "busy",
	})
	if !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.submitter.calls.Load() != 0 {
		t.Fatalf("conflicting call must not reach the chain")
	}
}

func TestExecuteRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t)
	d := f.seed(t, 1)

	_, err := f.gateway.Execute(context.Background(), Request{
		Hash:   d.Hash,
		Action: delegation.Action{Target: protocolOne, Amount: big.NewInt(-1)},
	})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

// hookStore 在额度操作前后插入回调，用于构造预留与提交之间的时序。
type hookStore struct {
	*delegation.MemoryStore
	afterReserve func(hash common.Hash)
	commitErr    error
}

func (s *hookStore) ReserveSpend(ctx context.Context, hash common.Hash, amount *big.Int, now time.Time) (*delegation.Ticket, error) {
	ticket, err := s.MemoryStore.ReserveSpend(ctx, hash, amount, now)
	if err == nil && s.afterReserve != nil {
		s.afterReserve(hash)
	}
	return ticket, err
}

func (s *hookStore) CommitSpend(ctx context.Context, hash common.Hash, ticket *delegation.Ticket) (*delegation.Delegation, error) {
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	return s.MemoryStore.CommitSpend(ctx, hash, ticket)
}

// withStore 让网关改用包装后的存储，撤销注册表与审计仍指向 fixture 自身的组件。
func (f *fixture) withStore(store delegation.Store) {
	recorder := audit.NewRecorder(f.audits, audit.WithClock(f.clock.Now))
	f.gateway = New(store, f.attempts, f.registry, f.submitter, recorder, WithClock(f.clock), WithObserver(f.observer))
}

func TestRevokeAfterReservationReleasesAndSkipsSubmission(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)
	f.withStore(&hookStore{
		MemoryStore: f.store,
		afterReserve: func(hash common.Hash) {
			if _, err := f.registry.Revoke(context.Background(), hash); err != nil {
				t.Errorf("revoke: %v", err)
			}
		},
	})

	_, err := f.execute(t, d.Hash, protocolOne, "1.0")
	if !xerrors.HasCode(err, delegation.CodeDelegationRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if f.submitter.calls.Load() != 0 {
		t.Fatalf("revoked delegation must not reach the chain")
	}
	if used := f.used(t, d.Hash); used != "0" {
		t.Fatalf("reservation must be released, got %s", used)
	}
	attempts, _ := f.attempts.ListByDelegation(context.Background(), d.Hash)
	if len(attempts) != 0 {
		t.Fatalf("no attempt should be recorded, got %+v", attempts)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 1 || entries[0].Action != audit.ActionValidateReject || entries[0].Status != audit.StatusRejected {
		t.Fatalf("expected exactly one rejection entry, got %+v", entries)
	}
}

func TestCommitFailureReportsBroadcastAmount(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	d := f.seed(t, 1)
	if _, err := f.execute(t, d.Hash, protocolOne, "0.5"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	f.withStore(&hookStore{MemoryStore: f.store, commitErr: errors.New("connection reset")})

	result, err := f.execute(t, d.Hash, protocolOne, "1.0")
	if err != nil {
		t.Fatalf("broadcast transaction must be reported as success: %v", err)
	}
	if result.UsedAmount != "1.5" || result.Remaining != "1" || result.TransactionCount != 2 {
		t.Fatalf("result must include the broadcast amount: %+v", result)
	}
	if used := f.used(t, d.Hash); used != "1.5" {
		t.Fatalf("pending reservation stays counted, got %s", used)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 2 || entries[0].Details["used"] != "1.5" {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
}

func TestIdempotencyKeyReusedWithDifferentActionConflicts(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, WithIdempotency(NewMemoryIdempotencyStore(), time.Hour))
	d := f.seed(t, 1)
	req := Request{
		Hash:           d.Hash,
		Action:         delegation.Action{Target: protocolOne, Amount: ether(t, "1.0")},
		IdempotencyKey: "order-7",
	}
	first, err := f.gateway.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	changed := []delegation.Action{
		{Target: protocolTwo, Amount: ether(t, "1.0")},
		{Target: protocolOne, Amount: ether(t, "2.0")},
		{Target: protocolOne, Amount: ether(t, "1.0"), CallData: []byte{0x01}},
	}
	for _, action := range changed {
		reused := req
		reused.Action = action
		if _, err := f.gateway.Execute(context.Background(), reused); !xerrors.HasCode(err, xerrors.CodeConflict) {
			t.Fatalf("%+v: expected conflict, got %v", action, err)
		}
	}
	if f.submitter.calls.Load() != 1 {
		t.Fatalf("conflicting reuse must not resubmit")
	}
	if used := f.used(t, d.Hash); used != "1" {
		t.Fatalf("conflicting reuse must not spend, got %s", used)
	}

	again, err := f.gateway.Execute(context.Background(), req)
	if err != nil || !again.Replayed || again.TxHash != first.TxHash {
		t.Fatalf("same action should still replay, got %+v %v", again, err)
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 1+len(changed)+1 {
		t.Fatalf("expected one audit entry per call, got %d", len(entries))
	}
	if entries[1].Action != audit.ActionExecute || entries[1].Status != audit.StatusRejected {
		t.Fatalf("conflict should be audited as a rejected execute: %+v", entries[1])
	}
}

func TestActionFingerprint(t *testing.T) {
	base := delegation.Action{Target: protocolOne, Amount: ether(t, "1")}
	if ActionFingerprint(base) != ActionFingerprint(delegation.Action{Target: protocolOne, Amount: ether(t, "1.0")}) {
		t.Fatalf("equal actions must share a fingerprint")
	}
	if ActionFingerprint(delegation.Action{Target: protocolOne}) != ActionFingerprint(delegation.Action{Target: protocolOne, Amount: new(big.Int)}) {
		t.Fatalf("nil amount is treated as zero")
	}
	if (Outcome{}).Matches(ActionFingerprint(base)) == false {
		t.Fatalf("outcomes without a fingerprint stay replayable")
	}
	if (Outcome{Fingerprint: ActionFingerprint(base)}).Matches(ActionFingerprint(delegation.Action{Target: protocolTwo, Amount: ether(t, "1")})) {
		t.Fatalf("different targets must not match")
	}
}

func TestInvalidRequestIsAuditedAsRejection(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, WithIdempotency(NewMemoryIdempotencyStore(), time.Hour))
	d := f.seed(t, 1)

	_, err := f.gateway.Execute(context.Background(), Request{
		Hash:           d.Hash,
		Invalid:        xerrors.New(xerrors.CodeInvalidArgument, "amount 非法"),
		IdempotencyKey: "bad-input",
	})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = f.gateway.Execute(context.Background(), Request{Hash: d.Hash, Invalid: errors.New("unexpected EOF")})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("plain parse errors become invalid argument, got %v", err)
	}
	if f.submitter.calls.Load() != 0 {
		t.Fatalf("invalid requests must not reach the chain")
	}
	entries := f.auditEntries(t, delegator)
	if len(entries) != 2 {
		t.Fatalf("expected one audit entry per invalid call, got %+v", entries)
	}
	for _, entry := range entries {
		if entry.Action != audit.ActionValidateReject || entry.Details["code"] != string(xerrors.CodeInvalidArgument) {
			t.Fatalf("unexpected audit entry: %+v", entry)
		}
		if _, ok := entry.Details["target"]; ok {
			t.Fatalf("unparsed target must not be recorded: %+v", entry.Details)
		}
	}
	if f.observer.count("rejected") != 2 {
		t.Fatalf("expected rejected observations")
	}

	// 非法请求不占用幂等键
	if _, err := f.gateway.Execute(context.Background(), Request{
		Hash:           d.Hash,
		Action:         delegation.Action{Target: protocolOne, Amount: ether(t, "0.1")},
		IdempotencyKey: "bad-input",
	}); err != nil {
		t.Fatalf("key should still be usable: %v", err)
	}
}

func TestRedisIdempotencyStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	ctx := context.Background()
	store, err := NewRedisIdempotencyStore(ctx, RedisIdempotencyConfig{Address: addr, Prefix: "agentguard:test:"})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer store.Close()

	key := "key-" + time.Now().Format("150405.000000000")
	if stored, err := store.Begin(ctx, key, time.Minute); err != nil || stored != nil {
		t.Fatalf("claim: %v %v", stored, err)
	}
	if _, err := store.Begin(ctx, key, time.Minute); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected in-flight conflict, got %v", err)
	}
	if err := store.Complete(ctx, key, Outcome{Result: &Result{TxHash: "0xabc"}}, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, err := store.Begin(ctx, key, time.Minute)
	if err != nil || stored == nil || stored.Result.TxHash != "0xabc" {
		t.Fatalf("expected stored outcome, got %+v %v", stored, err)
	}
	if err := store.Abandon(ctx, key); err != nil {
		t.Fatalf("abandon completed key: %v", err)
	}
	if stored, _ := store.Begin(ctx, key, time.Minute); stored == nil {
		t.Fatalf("abandon must not drop completed outcomes")
	}
}
