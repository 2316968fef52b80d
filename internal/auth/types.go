// Package auth 把 API 请求携带的 Bearer 凭证映射为链上地址，
// 并通过上下文把调用方身份交给服务层做委托人或代理人校验。
package auth

import (
	"context"
	"fmt"
	"time"

	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning, Rejection: true})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "缺少 Bearer 凭证")
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "凭证无效或已过期")
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	// ModeToken 使用配置中的静态 API 令牌，每个令牌绑定一个地址。
	ModeToken Mode = "token"
	// ModeJWT 使用 HS256 签名的 JWT，sub 声明为地址。
	ModeJWT Mode = "jwt"
)

// Role 描述调用方相对于委托的身份。
type Role string

const (
	RoleDelegator Role = "委托人"
	RoleDelegate  Role = "代理人"
)

// Subject 是通过认证的调用方。
type Subject struct {
	Address common.Address
	Name    string
}

// TokenBinding 把一个静态令牌绑定到地址。
type TokenBinding struct {
	Name    string
	Address common.Address
	Token   string
}

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Config configures the authenticator.
type Config struct {
	Mode   Mode
	Tokens []TokenBinding
	JWT    JWTOptions
}

// Require 要求上下文中的调用方就是 want。上下文没有调用方时表示未启用认证，直接放行。
func Require(ctx context.Context, want common.Address, role Role) error {
	subject := SubjectFromContext(ctx)
	if subject == nil || subject.Address == want {
		return nil
	}
	return xerrors.New(CodePermissionDenied,
		fmt.Sprintf("调用方 %s 不是该委托的%s", subject.Address.Hex(), role),
		xerrors.WithMetadata("caller", subject.Address.Hex()))
}
