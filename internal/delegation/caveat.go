package delegation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Kind 标识约束类型。
type Kind string

const (
	KindMaxAmount      Kind = "maxAmount"
	KindAllowedTargets Kind = "allowedTargets"
	KindExpiry         Kind = "expiry"
)

// Caveat 是委托附带的约束。接口通过未导出的 check 方法封闭，
// 新增约束类型必须同时实现求值与 ABI 编码。
type Caveat interface {
	Kind() Kind
	// Terms 返回约束参数的 ABI 编码，用于 EIP-712 载荷。
	Terms() ([]byte, error)
	check(d *Delegation, action Action, now time.Time) *Violation
}

var (
	uint256Type, _      = abi.NewType("uint256", "", nil)
	addressSliceType, _ = abi.NewType("address[]", "", nil)
)

// MaxAmount 限制委托生命周期内的累计支出（wei）。
type MaxAmount struct {
	Limit *big.Int
}

// Kind 实现 Caveat。
func (MaxAmount) Kind() Kind { return KindMaxAmount }

// Terms 实现 Caveat。
func (c MaxAmount) Terms() ([]byte, error) {
	return abi.Arguments{{Type: uint256Type}}.Pack(cloneBig(c.Limit))
}

func (c MaxAmount) check(d *Delegation, action Action, _ time.Time) *Violation {
	used := cloneBig(d.UsedAmount)
	requested := cloneBig(action.Amount)
	limit := cloneBig(c.Limit)
	prospective := new(big.Int).Add(used, requested)
	if prospective.Cmp(limit) <= 0 {
		return nil
	}
	// 单笔金额本身超限时报告单笔金额，否则报告累计后的支出
	observed, reason := prospective, "累计支出将超过委托上限"
	if requested.Cmp(limit) > 0 {
		observed, reason = requested, "单笔金额超过委托上限"
	}
	return &Violation{
		Kind:      KindMaxAmount,
		Reason:    reason,
		Observed:  FormatEther(observed),
		Limit:     FormatEther(c.Limit),
		Requested: FormatEther(requested),
		Used:      FormatEther(used),
	}
}

// AllowedTargets 限制可调用的目标合约，比较不区分大小写。
type AllowedTargets struct {
	Targets []common.Address
}

// Kind 实现 Caveat。
func (AllowedTargets) Kind() Kind { return KindAllowedTargets }

// Terms 实现 Caveat。
func (c AllowedTargets) Terms() ([]byte, error) {
	targets := c.Targets
	if targets == nil {
		targets = []common.Address{}
	}
	return abi.Arguments{{Type: addressSliceType}}.Pack(targets)
}

// Contains 判断地址是否在允许列表中。
func (c AllowedTargets) Contains(target common.Address) bool {
	for _, allowed := range c.Targets {
		// common.Address 是原始字节，比较天然与十六进制大小写无关。
		if allowed == target {
			return true
		}
	}
	return false
}

func (c AllowedTargets) check(_ *Delegation, action Action, _ time.Time) *Violation {
	if c.Contains(action.Target) {
		return nil
	}
	allowed := make([]string, 0, len(c.Targets))
	for _, target := range c.Targets {
		allowed = append(allowed, strings.ToLower(target.Hex()))
	}
	return &Violation{
		Kind:     KindAllowedTargets,
		Reason:   "目标地址不在允许列表中",
		Observed: strings.ToLower(action.Target.Hex()),
		Limit:    strings.Join(allowed, ","),
	}
}

// Expiry 设定约束自身的截止时间，同时受委托的 expiry 约束。
type Expiry struct {
	At time.Time
}

// Kind 实现 Caveat。
func (Expiry) Kind() Kind { return KindExpiry }

// Terms 实现 Caveat。
func (c Expiry) Terms() ([]byte, error) {
	return abi.Arguments{{Type: uint256Type}}.Pack(big.NewInt(c.At.Unix()))
}

func (c Expiry) check(d *Delegation, _ Action, now time.Time) *Violation {
	deadline := c.At
	if !d.Expiry.IsZero() && (deadline.IsZero() || d.Expiry.Before(deadline)) {
		deadline = d.Expiry
	}
	if deadline.IsZero() || !now.After(deadline) {
		return nil
	}
	return &Violation{
		Kind:     KindExpiry,
		Reason:   "委托已过期",
		Observed: strconv.FormatInt(now.Unix(), 10),
		Limit:    strconv.FormatInt(deadline.Unix(), 10),
	}
}

// EffectiveExpiry 返回 expiry 与全部 Expiry 约束中最早的截止时间，零值表示不过期。
func (cs Caveats) EffectiveExpiry(expiry time.Time) time.Time {
	expiry = expiry.UTC().Truncate(time.Second)
	for _, caveat := range cs {
		if c, ok := caveat.(Expiry); ok && (expiry.IsZero() || c.At.Before(expiry)) {
			expiry = c.At.UTC()
		}
	}
	return expiry
}

// Caveats 是有序的约束列表，JSON 形式为 [{"type":..., "value":...}]。
type Caveats []Caveat

type caveatJSON struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Clone 返回约束列表的深拷贝。
func (cs Caveats) Clone() Caveats {
	if cs == nil {
		return nil
	}
	out := make(Caveats, 0, len(cs))
	for _, caveat := range cs {
		switch c := caveat.(type) {
		case MaxAmount:
			out = append(out, MaxAmount{Limit: cloneBig(c.Limit)})
		case AllowedTargets:
			out = append(out, AllowedTargets{Targets: append([]common.Address(nil), c.Targets...)})
		default:
			out = append(out, caveat)
		}
	}
	return out
}

// Validate 检查约束参数是否合法。
func (cs Caveats) Validate() error {
	for i, caveat := range cs {
		switch c := caveat.(type) {
		case MaxAmount:
			if c.Limit == nil || c.Limit.Sign() < 0 {
				return fmt.Errorf("约束 %d: maxAmount 必须为非负数", i)
			}
		case AllowedTargets:
			if len(c.Targets) == 0 {
				return fmt.Errorf("约束 %d: allowedTargets 不能为空", i)
			}
		case Expiry:
			if c.At.IsZero() {
				return fmt.Errorf("约束 %d: expiry 不能为空", i)
			}
		case nil:
			return fmt.Errorf("约束 %d 为空", i)
		}
	}
	return nil
}

// MarshalJSON 将约束编码为 {"type","value"} 列表。金额以 ether 字符串表示，
// 时间为 Unix 秒。
func (cs Caveats) MarshalJSON() ([]byte, error) {
	out := make([]caveatJSON, 0, len(cs))
	for _, caveat := range cs {
		var value any
		switch c := caveat.(type) {
		case MaxAmount:
			value = FormatEther(c.Limit)
		case AllowedTargets:
			targets := make([]string, 0, len(c.Targets))
			for _, target := range c.Targets {
				targets = append(targets, target.Hex())
			}
			value = targets
		case Expiry:
			value = c.At.Unix()
		default:
			return nil, fmt.Errorf("未知的约束类型 %T", caveat)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out = append(out, caveatJSON{Type: caveat.Kind(), Value: raw})
	}
	return json.Marshal(out)
}

// UnmarshalJSON 解析 {"type","value"} 列表。
func (cs *Caveats) UnmarshalJSON(data []byte) error {
	var raw []caveatJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := make(Caveats, 0, len(raw))
	for i, item := range raw {
		caveat, err := parseCaveat(item)
		if err != nil {
			return fmt.Errorf("约束 %d: %w", i, err)
		}
		parsed = append(parsed, caveat)
	}
	*cs = parsed
	return nil
}

func parseCaveat(item caveatJSON) (Caveat, error) {
	switch item.Type {
	case KindMaxAmount:
		text, err := scalarString(item.Value)
		if err != nil {
			return nil, err
		}
		limit, err := ParseEther(text)
		if err != nil {
			return nil, err
		}
		return MaxAmount{Limit: limit}, nil
	case KindAllowedTargets:
		var targets []string
		if err := json.Unmarshal(item.Value, &targets); err != nil {
			return nil, fmt.Errorf("allowedTargets 需要地址数组: %w", err)
		}
		addrs := make([]common.Address, 0, len(targets))
		for _, target := range targets {
			if !common.IsHexAddress(target) {
				return nil, fmt.Errorf("非法地址 %q", target)
			}
			addrs = append(addrs, common.HexToAddress(target))
		}
		return AllowedTargets{Targets: addrs}, nil
	case KindExpiry:
		text, err := scalarString(item.Value)
		if err != nil {
			return nil, err
		}
		seconds, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expiry 需要 Unix 秒: %w", err)
		}
		return Expiry{At: time.Unix(seconds, 0).UTC()}, nil
	default:
		return nil, fmt.Errorf("未知的约束类型 %q", item.Type)
	}
}

// scalarString 接受 JSON 字符串或数字。
func scalarString(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return "", fmt.Errorf("无法解析约束值 %s", string(raw))
	}
	return number.String(), nil
}
