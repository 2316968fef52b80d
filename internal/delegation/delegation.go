package delegation

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status 表示委托在生命周期中的存储状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	// StatusExpired 只由 EffectiveStatus 推导得出，从不落库。
	StatusExpired Status = "expired"
)

// Clock 提供当前时间，测试中可替换。
type Clock interface {
	Now() time.Time
}

// ClockFunc 将普通函数适配为 Clock。
type ClockFunc func() time.Time

// Now 实现 Clock。
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock 返回系统时间。
var SystemClock Clock = ClockFunc(time.Now)

// Delegation 描述委托人授予代理人的一项受限能力。
type Delegation struct {
	Hash             common.Hash
	Delegator        common.Address
	Delegate         common.Address
	Scope            string
	Caveats          Caveats
	Nonce            uint64
	Signature        []byte
	CreatedAt        time.Time
	Expiry           time.Time
	Status           Status
	RevokedAt        *time.Time
	UsedAmount       *big.Int
	TransactionCount uint64
}

// Action 是代理人提出的一次链上操作。
type Action struct {
	Target   common.Address
	Amount   *big.Int
	CallData []byte
}

// ComputeHash 根据委托人、代理人、作用域和 nonce 推导委托哈希，
// 编码方式等同于 abi.encode(address, address, bytes32, uint256)。
func ComputeHash(delegator, delegate common.Address, scope string, nonce uint64) common.Hash {
	scopeHash := crypto.Keccak256Hash([]byte(scope))
	return crypto.Keccak256Hash(
		common.LeftPadBytes(delegator.Bytes(), 32),
		common.LeftPadBytes(delegate.Bytes(), 32),
		scopeHash.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32),
	)
}

// NormalizeScope 去除作用域首尾空白并统一为小写。
func NormalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

// IsExpired 判断委托在给定时间是否已过期（now > expiry）。
func (d *Delegation) IsExpired(now time.Time) bool {
	if d == nil || d.Expiry.IsZero() {
		return false
	}
	return now.After(d.Expiry)
}

// EffectiveStatus 返回考虑过期推导后的状态。
func (d *Delegation) EffectiveStatus(now time.Time) Status {
	if d.Status == StatusRevoked {
		return StatusRevoked
	}
	if d.IsExpired(now) {
		return StatusExpired
	}
	return StatusActive
}

// SpendLimit 返回委托的累计支出上限。存在多个 MaxAmount 时取最小值。
func (d *Delegation) SpendLimit() (*big.Int, bool) {
	var limit *big.Int
	for _, caveat := range d.Caveats {
		if c, ok := caveat.(MaxAmount); ok && c.Limit != nil {
			if limit == nil || c.Limit.Cmp(limit) < 0 {
				limit = c.Limit
			}
		}
	}
	if limit == nil {
		return nil, false
	}
	return new(big.Int).Set(limit), true
}

// Remaining 返回剩余额度；没有上限时第二个返回值为 false。
func (d *Delegation) Remaining() (*big.Int, bool) {
	limit, ok := d.SpendLimit()
	if !ok {
		return nil, false
	}
	remaining := new(big.Int).Sub(limit, cloneBig(d.UsedAmount))
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining, true
}

// Clone 返回深拷贝，存储实现只对外暴露副本。
func (d *Delegation) Clone() *Delegation {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Caveats = d.Caveats.Clone()
	clone.Signature = append([]byte(nil), d.Signature...)
	clone.UsedAmount = cloneBig(d.UsedAmount)
	if d.RevokedAt != nil {
		revokedAt := *d.RevokedAt
		clone.RevokedAt = &revokedAt
	}
	return &clone
}
