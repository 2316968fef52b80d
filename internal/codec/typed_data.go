// Package codec 构造委托的 EIP-712 类型化数据并负责签名与验签。
package codec

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"AgentGuard-Chain/internal/delegation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	primaryType = "Delegation"
	caveatType  = "Caveat"
)

// Domain 是 EIP-712 域分隔参数。
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           int64          `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// Payload 是委托人签署的内容。
type Payload struct {
	Delegator common.Address
	Delegate  common.Address
	Scope     string
	Caveats   delegation.Caveats
	Nonce     uint64
	Expiry    time.Time
}

// PayloadOf 从委托记录还原签名载荷。
func PayloadOf(d *delegation.Delegation) Payload {
	return Payload{
		Delegator: d.Delegator,
		Delegate:  d.Delegate,
		Scope:     d.Scope,
		Caveats:   d.Caveats,
		Nonce:     d.Nonce,
		Expiry:    d.Expiry,
	}
}

// Hash 返回载荷对应的委托哈希。
func (p Payload) Hash() common.Hash {
	return delegation.ComputeHash(p.Delegator, p.Delegate, p.Scope, p.Nonce)
}

func (d Domain) typedDomain() (apitypes.TypedDataDomain, []apitypes.Type) {
	fields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	domain := apitypes.TypedDataDomain{
		Name:    d.Name,
		Version: d.Version,
		ChainId: (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
	}
	if d.VerifyingContract != (common.Address{}) {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
		domain.VerifyingContract = d.VerifyingContract.Hex()
	}
	return domain, fields
}

// BuildTypedData 组装可直接交给钱包 eth_signTypedData_v4 的结构。
func BuildTypedData(domain Domain, p Payload) (apitypes.TypedData, error) {
	typedDomain, domainFields := domain.typedDomain()

	caveats := make([]interface{}, 0, len(p.Caveats))
	for i, caveat := range p.Caveats {
		if caveat == nil {
			return apitypes.TypedData{}, fmt.Errorf("约束 %d 为空", i)
		}
		terms, err := caveat.Terms()
		if err != nil {
			return apitypes.TypedData{}, fmt.Errorf("编码约束 %d 失败: %w", i, err)
		}
		caveats = append(caveats, map[string]interface{}{
			"kind":  string(caveat.Kind()),
			"terms": hexutil.Encode(terms),
		})
	}

	var expiry int64
	if !p.Expiry.IsZero() {
		expiry = p.Expiry.Unix()
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primaryType: {
				{Name: "delegator", Type: "address"},
				{Name: "delegate", Type: "address"},
				{Name: "scope", Type: "string"},
				{Name: "caveats", Type: caveatType + "[]"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
			},
			caveatType: {
				{Name: "kind", Type: "string"},
				{Name: "terms", Type: "bytes"},
			},
		},
		PrimaryType: primaryType,
		Domain:      typedDomain,
		Message: apitypes.TypedDataMessage{
			"delegator": p.Delegator.Hex(),
			"delegate":  p.Delegate.Hex(),
			"scope":     p.Scope,
			"caveats":   caveats,
			"nonce":     strconv.FormatUint(p.Nonce, 10),
			"expiry":    strconv.FormatInt(expiry, 10),
		},
	}, nil
}

// Digest 计算 EIP-712 签名摘要 keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(message))。
func Digest(domain Domain, p Payload) (common.Hash, error) {
	typed, err := BuildTypedData(domain, p)
	if err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("计算 EIP-712 摘要失败: %w", err)
	}
	return common.BytesToHash(digest), nil
}
