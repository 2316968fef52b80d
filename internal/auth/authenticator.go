package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	defaultTokenTTL = time.Hour
	minSecretLength = 32
)

// Authenticator 校验请求凭证并解析出调用方地址。
type Authenticator struct {
	mode   Mode
	tokens map[common.Hash]*Subject
	jwt    *jwtManager
	audit  *slog.Logger
}

// New 构造身份认证实例，Mode 为空时等同于 disabled。
func New(cfg Config) (*Authenticator, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	a := &Authenticator{mode: mode, audit: logger.Audit()}

	switch mode {
	case "", ModeDisabled:
		a.mode = ModeDisabled
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("token 模式至少需要配置一个令牌")
		}
		a.tokens = make(map[common.Hash]*Subject, len(cfg.Tokens))
		for _, binding := range cfg.Tokens {
			token := strings.TrimSpace(binding.Token)
			if token == "" {
				return nil, fmt.Errorf("令牌 %s 为空", binding.Name)
			}
			if binding.Address == (common.Address{}) {
				return nil, fmt.Errorf("令牌 %s 未绑定地址", binding.Name)
			}
			// 只保留摘要，内存中不留明文令牌
			key := crypto.Keccak256Hash([]byte(token))
			if _, dup := a.tokens[key]; dup {
				return nil, fmt.Errorf("令牌 %s 与其他令牌重复", binding.Name)
			}
			a.tokens[key] = &Subject{Address: binding.Address, Name: binding.Name}
		}
	case ModeJWT:
		if len(cfg.JWT.Secret) < minSecretLength {
			return nil, fmt.Errorf("jwt 密钥长度至少 %d 字节", minSecretLength)
		}
		ttl := cfg.JWT.TTL
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		a.jwt = &jwtManager{secret: []byte(cfg.JWT.Secret), issuer: cfg.JWT.Issuer, ttl: ttl, now: time.Now}
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}
	return a, nil
}

// Mode 返回当前认证模式。
func (a *Authenticator) Mode() Mode {
	if a == nil {
		return ModeDisabled
	}
	return a.mode
}

// Enabled 判断是否需要校验凭证。
func (a *Authenticator) Enabled() bool {
	return a.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。
func (a *Authenticator) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	switch a.Mode() {
	case ModeToken:
		subject, ok := a.tokens[crypto.Keccak256Hash([]byte(token))]
		if !ok {
			return nil, ErrInvalidToken
		}
		clone := *subject
		return &clone, nil
	case ModeJWT:
		return a.jwt.Verify(token)
	default:
		return nil, errors.New("认证未启用")
	}
}

// IssueToken 为地址签发访问令牌，仅 jwt 模式可用。
func (a *Authenticator) IssueToken(subject Subject) (string, time.Time, error) {
	if a.Mode() != ModeJWT {
		return "", time.Time{}, fmt.Errorf("%s 模式不支持签发令牌", a.Mode())
	}
	if subject.Address == (common.Address{}) {
		return "", time.Time{}, errors.New("签发令牌需要地址")
	}
	return a.jwt.Issue(subject)
}
