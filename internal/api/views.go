package api

import (
	"context"
	"log/slog"
	"net/http"

	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// delegationView 是委托的对外表示，金额为 ether 十进制字符串，时间为 Unix 秒。
type delegationView struct {
	Hash             string             `json:"hash"`
	Delegator        string             `json:"delegator"`
	Delegate         string             `json:"delegate"`
	Scope            string             `json:"scope"`
	Caveats          delegation.Caveats `json:"caveats"`
	Nonce            uint64             `json:"nonce"`
	Signature        string             `json:"signature"`
	CreatedAt        int64              `json:"createdAt"`
	Expiry           int64              `json:"expiry,omitempty"`
	Status           delegation.Status  `json:"status"`
	RevokedAt        *int64             `json:"revokedAt,omitempty"`
	UsedAmount       string             `json:"usedAmount"`
	Remaining        string             `json:"remaining,omitempty"`
	TransactionCount uint64             `json:"transactionCount"`
}

func newDelegationView(d *delegation.Delegation) delegationView {
	caveats := d.Caveats
	if caveats == nil {
		caveats = delegation.Caveats{}
	}
	view := delegationView{
		Hash:             d.Hash.Hex(),
		Delegator:        d.Delegator.Hex(),
		Delegate:         d.Delegate.Hex(),
		Scope:            d.Scope,
		Caveats:          caveats,
		Nonce:            d.Nonce,
		Signature:        hexutil.Encode(d.Signature),
		CreatedAt:        d.CreatedAt.Unix(),
		Status:           d.Status,
		UsedAmount:       delegation.FormatEther(d.UsedAmount),
		TransactionCount: d.TransactionCount,
	}
	if !d.Expiry.IsZero() {
		view.Expiry = d.Expiry.Unix()
	}
	if d.RevokedAt != nil {
		at := d.RevokedAt.Unix()
		view.RevokedAt = &at
	}
	if remaining, ok := d.Remaining(); ok {
		view.Remaining = delegation.FormatEther(remaining)
	}
	return view
}

type attemptView struct {
	ID             string                   `json:"id"`
	DelegationHash string                   `json:"delegationHash"`
	Target         string                   `json:"target"`
	Value          string                   `json:"value"`
	Data           string                   `json:"data,omitempty"`
	TxHash         string                   `json:"txHash,omitempty"`
	Status         delegation.AttemptStatus `json:"status"`
	Error          string                   `json:"error,omitempty"`
	ReservationID  string                   `json:"reservationId,omitempty"`
	IdempotencyKey string                   `json:"idempotencyKey,omitempty"`
	Timestamp      int64                    `json:"timestamp"`
}

func newAttemptView(a *delegation.ExecutionAttempt) attemptView {
	view := attemptView{
		ID:             a.ID,
		DelegationHash: a.DelegationHash.Hex(),
		Target:         a.Target.Hex(),
		Value:          delegation.FormatEther(a.Value),
		TxHash:         a.TxHash,
		Status:         a.Status,
		Error:          a.Error,
		ReservationID:  a.ReservationID,
		IdempotencyKey: a.IdempotencyKey,
		Timestamp:      a.Timestamp.Unix(),
	}
	if len(a.Data) > 0 {
		view.Data = hexutil.Encode(a.Data)
	}
	return view
}

// errorDetail 描述一次失败，约束违例时带上 kind/observed/limit。
type errorDetail struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Kind      string `json:"kind,omitempty"`
	Observed  string `json:"observed,omitempty"`
	Limit     string `json:"limit,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorBody struct {
	Error    *errorDetail `json:"error,omitempty"`
	Rejected *errorDetail `json:"rejected,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusUnprocessableEntity,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeStorageFailure:        http.StatusInternalServerError,
	xerrors.CodeChainFailure:          http.StatusBadGateway,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
	delegation.CodeDelegationNotFound: http.StatusNotFound,
	delegation.CodeSignatureInvalid:   http.StatusUnauthorized,
	delegation.CodeDelegationRevoked:  http.StatusForbidden,
	delegation.CodeDelegationExpired:  http.StatusForbidden,
	delegation.CodeCaveatViolation:    http.StatusUnprocessableEntity,
	delegation.CodeAlreadyRevoked:     http.StatusConflict,
	delegation.CodeNonceReplay:        http.StatusConflict,
	delegation.CodeExecutionFailure:   http.StatusBadGateway,
	auth.CodeUnauthenticated:          http.StatusUnauthorized,
	auth.CodePermissionDenied:         http.StatusForbidden,
}

// StatusOf 将错误码映射为 HTTP 状态码，未登记的错误返回 500。
func StatusOf(err error) int {
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func detailOf(err error) *errorDetail {
	detail := &errorDetail{
		Code:      string(xerrors.CodeOf(err)),
		Reason:    err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		if msg := e.Message(); msg != "" {
			detail.Reason = msg
		}
		meta := e.Metadata()
		detail.Kind = meta["kind"]
		detail.Observed = meta["observed"]
		detail.Limit = meta["limit"]
	}
	return detail
}

func (s *Server) logFailure(err error, status int) {
	if status < http.StatusInternalServerError {
		return
	}
	s.logger.Log(context.Background(), xerrors.SeverityOf(err).Level(), "请求处理失败",
		slog.Int("status", status),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	s.logFailure(err, status)
	writeJSON(w, status, errorBody{Error: detailOf(err)})
}

// writeRejection 用于执行接口，失败以 {"rejected": {...}} 返回。
func (s *Server) writeRejection(w http.ResponseWriter, status int, err error) {
	s.logFailure(err, status)
	writeJSON(w, status, errorBody{Rejected: detailOf(err)})
}
