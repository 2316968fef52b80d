package delegation

import (
	"fmt"

	xerrors "AgentGuard-Chain/internal/errors"
)

const (
	CodeDelegationNotFound xerrors.Code = "DELEGATION_NOT_FOUND"
	CodeDelegationRevoked  xerrors.Code = "DELEGATION_REVOKED"
	CodeDelegationExpired  xerrors.Code = "DELEGATION_EXPIRED"
	CodeAlreadyRevoked     xerrors.Code = "ALREADY_REVOKED"
	CodeCaveatViolation    xerrors.Code = "CAVEAT_VIOLATION"
	CodeNonceReplay        xerrors.Code = "NONCE_REPLAY"
	CodeReservationInvalid xerrors.Code = "RESERVATION_INVALID"
	CodeSignatureInvalid   xerrors.Code = "SIGNATURE_INVALID"
	CodeExecutionFailure   xerrors.Code = "EXECUTION_FAILURE"
)

func init() {
	xerrors.Register(CodeDelegationNotFound, xerrors.Attributes{Message: "delegation not found", Severity: xerrors.SeverityInfo, Rejection: true})
	xerrors.Register(CodeDelegationRevoked, xerrors.Attributes{Message: "delegation revoked", Severity: xerrors.SeverityInfo, Rejection: true})
	xerrors.Register(CodeDelegationExpired, xerrors.Attributes{Message: "delegation expired", Severity: xerrors.SeverityInfo, Rejection: true})
	xerrors.Register(CodeCaveatViolation, xerrors.Attributes{Message: "caveat violated", Severity: xerrors.SeverityWarning, Rejection: true})
	xerrors.Register(CodeAlreadyRevoked, xerrors.Attributes{Message: "delegation already revoked", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNonceReplay, xerrors.Attributes{Message: "nonce already used", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeReservationInvalid, xerrors.Attributes{Message: "reservation ticket invalid", Severity: xerrors.SeverityCritical})
	xerrors.Register(CodeSignatureInvalid, xerrors.Attributes{Message: "signature invalid", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeExecutionFailure, xerrors.Attributes{Message: "execution failed", Severity: xerrors.SeverityWarning, Retryable: true})
}

// Violation 描述一次约束校验失败，包含足够审计的上下文。
type Violation struct {
	Kind      Kind   `json:"kind"`
	Reason    string `json:"reason"`
	Observed  string `json:"observed"`
	Limit     string `json:"limit"`
	Requested string `json:"requested,omitempty"`
	Used      string `json:"used,omitempty"`
}

// Error 实现 error 接口。
func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s (observed=%s, limit=%s)", v.Kind, v.Reason, v.Observed, v.Limit)
}

// AsError 将约束违例包装为统一错误，元数据会透传给 API 调用方。
func (v *Violation) AsError() *xerrors.Error {
	opts := []xerrors.Option{
		xerrors.WithMetadata("kind", string(v.Kind)),
		xerrors.WithMetadata("observed", v.Observed),
		xerrors.WithMetadata("limit", v.Limit),
	}
	if v.Requested != "" {
		opts = append(opts, xerrors.WithMetadata("requested", v.Requested))
	}
	return xerrors.Wrap(CodeCaveatViolation, v, v.Reason, opts...)
}

// ViolationOf 从错误链中提取约束违例。
func ViolationOf(err error) (*Violation, bool) {
	e, ok := xerrors.From(err)
	if !ok {
		return nil, false
	}
	v, ok := e.Unwrap().(*Violation)
	return v, ok
}

// ErrNotFound 构造委托不存在错误。
func ErrNotFound(hash fmt.Stringer) error {
	return xerrors.New(CodeDelegationNotFound, fmt.Sprintf("委托 %s 不存在", hash))
}

// ErrRevoked 构造委托已撤销错误。
func ErrRevoked(hash fmt.Stringer) error {
	return xerrors.New(CodeDelegationRevoked, fmt.Sprintf("委托 %s 已撤销", hash))
}

// ErrExpired 构造委托已过期错误。
func ErrExpired(hash fmt.Stringer) error {
	return xerrors.New(CodeDelegationExpired, fmt.Sprintf("委托 %s 已过期", hash))
}

// ErrAlreadyRevoked 构造重复撤销错误。
func ErrAlreadyRevoked(hash fmt.Stringer) error {
	return xerrors.New(CodeAlreadyRevoked, fmt.Sprintf("委托 %s 已处于撤销状态", hash))
}

// ErrNonceReplay 构造 nonce 重放错误。
func ErrNonceReplay(nonce, latest uint64) error {
	return xerrors.New(CodeNonceReplay, fmt.Sprintf("nonce %d 必须大于已使用的 %d", nonce, latest))
}

// ErrReservationInvalid 构造无效预留错误。
func ErrReservationInvalid(ticketID string, reason string) error {
	return xerrors.New(CodeReservationInvalid, fmt.Sprintf("预留 %s 无效: %s", ticketID, reason))
}
