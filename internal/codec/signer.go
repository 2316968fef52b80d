package codec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 代表委托人签署摘要。
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// KeySigner 使用本地 secp256k1 私钥签名。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 基于私钥创建签名器。
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParseKeySigner 解析十六进制私钥，允许 0x 前缀。
func ParseKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address 实现 Signer。
func (s *KeySigner) Address() common.Address { return s.address }

// SignDigest 返回 65 字节签名，V 取 27/28 以兼容钱包。
func (s *KeySigner) SignDigest(_ context.Context, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Keyring 按地址保存可用的委托人签名器。
type Keyring struct {
	mu      sync.RWMutex
	signers map[common.Address]Signer
}

// NewKeyring 创建签名器集合。
func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[common.Address]Signer, len(signers))}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

// LoadKeyring 从环境变量读取私钥。任一变量缺失或格式错误都会返回错误，
// 调用方应在启动阶段终止。
func LoadKeyring(envNames []string) (*Keyring, error) {
	keyring := NewKeyring()
	for _, name := range envNames {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("环境变量 %s 未设置签名私钥", name)
		}
		signer, err := ParseKeySigner(value)
		if err != nil {
			return nil, fmt.Errorf("环境变量 %s: %w", name, err)
		}
		keyring.Add(signer)
	}
	return keyring, nil
}

// Add 注册签名器，相同地址会被覆盖。
func (k *Keyring) Add(s Signer) {
	if s == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// Signer 查找委托人的签名器。
func (k *Keyring) Signer(address common.Address) (Signer, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[address]
	return s, ok
}

// Addresses 返回已加载的地址。
func (k *Keyring) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, 0, len(k.signers))
	for addr := range k.signers {
		out = append(out, addr)
	}
	return out
}
