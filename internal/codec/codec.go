package codec

import (
	"context"
	"fmt"
	"math/big"

	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Codec 绑定一个 EIP-712 域，负责生成、签署与验证委托。
type Codec struct {
	domain Domain
	clock  delegation.Clock
}

// New 创建 Codec。
func New(domain Domain, clock delegation.Clock) *Codec {
	if clock == nil {
		clock = delegation.SystemClock
	}
	return &Codec{domain: domain, clock: clock}
}

// Domain 返回当前域参数。
func (c *Codec) Domain() Domain { return c.domain }

// TypedData 返回载荷的类型化数据，供客户端自行签名。
func (c *Codec) TypedData(p Payload) (apitypes.TypedData, error) {
	typed, err := BuildTypedData(c.domain, p)
	if err != nil {
		return apitypes.TypedData{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造类型化数据失败")
	}
	return typed, nil
}

// Create 使用委托人的签名器签署载荷并返回待写入的委托记录。
func (c *Codec) Create(ctx context.Context, p Payload, signer Signer) (*delegation.Delegation, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少委托人签名器")
	}
	if signer.Address() != p.Delegator {
		return nil, xerrors.New(delegation.CodeSignatureInvalid,
			fmt.Sprintf("签名器 %s 与委托人 %s 不一致", signer.Address().Hex(), p.Delegator.Hex()))
	}
	digest, err := Digest(c.domain, p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算签名摘要失败")
	}
	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, xerrors.Wrap(delegation.CodeSignatureInvalid, err, "签名失败")
	}
	return c.Assemble(p, sig), nil
}

// Assemble 将载荷与签名组合为委托记录，不做验签。
func (c *Codec) Assemble(p Payload, signature []byte) *delegation.Delegation {
	return &delegation.Delegation{
		Hash:       p.Hash(),
		Delegator:  p.Delegator,
		Delegate:   p.Delegate,
		Scope:      p.Scope,
		Caveats:    p.Caveats.Clone(),
		Nonce:      p.Nonce,
		Signature:  append([]byte(nil), signature...),
		CreatedAt:  c.clock.Now().UTC(),
		Expiry:     p.Expiry,
		Status:     delegation.StatusActive,
		UsedAmount: new(big.Int),
	}
}

// Verify 重新计算摘要并恢复签名者，要求其等于委托人且哈希与内容一致。
func (c *Codec) Verify(d *delegation.Delegation) error {
	if d == nil {
		return xerrors.New(delegation.CodeSignatureInvalid, "委托为空")
	}
	p := PayloadOf(d)
	if d.Hash != p.Hash() {
		return xerrors.New(delegation.CodeSignatureInvalid, "委托哈希与内容不一致")
	}
	digest, err := Digest(c.domain, p)
	if err != nil {
		return xerrors.Wrap(delegation.CodeSignatureInvalid, err, "计算签名摘要失败")
	}
	signer, err := Recover(digest, d.Signature)
	if err != nil {
		return xerrors.Wrap(delegation.CodeSignatureInvalid, err, "无法恢复签名者")
	}
	if signer != d.Delegator {
		return xerrors.New(delegation.CodeSignatureInvalid,
			fmt.Sprintf("签名者 %s 与委托人 %s 不一致", signer.Hex(), d.Delegator.Hex()))
	}
	return nil
}

// Recover 从 65 字节签名中恢复地址，V 可为 0/1 或 27/28。
func Recover(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度应为 %d 字节，实际 %d", crypto.SignatureLength, len(signature))
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
