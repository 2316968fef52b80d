package auth

import (
	"fmt"
	"time"

	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// claims 是访问令牌携带的声明，sub 为调用方地址。
type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type jwtManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Issue 签发 HS256 访问令牌。
func (m *jwtManager) Issue(subject Subject) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: subject.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject.Address.Hex(),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签名访问令牌失败: %w", err)
	}
	return signed, expires, nil
}

// Verify 校验签名算法、过期时间与签发方，返回 sub 对应的地址。
func (m *jwtManager) Verify(raw string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, xerrors.Wrap(CodeUnauthenticated, err, ErrInvalidToken.Message())
	}
	if !common.IsHexAddress(c.Subject) {
		return nil, xerrors.New(CodeUnauthenticated, fmt.Sprintf("令牌 sub 不是合法地址: %q", c.Subject))
	}
	return &Subject{Address: common.HexToAddress(c.Subject), Name: c.Name}, nil
}
