package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentGuard-Chain/internal/audit"
	"AgentGuard-Chain/internal/auth"
	"AgentGuard-Chain/internal/delegation"
	xerrors "AgentGuard-Chain/internal/errors"
	"AgentGuard-Chain/internal/gateway"
	"AgentGuard-Chain/internal/observability/metrics"
	"AgentGuard-Chain/internal/service"
	"AgentGuard-Chain/internal/web3"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	basePath             = "/api/v1"
	idempotencyKeyHeader = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

// ChainStatus 提供链的健康快照，通常由 provider.Registry 实现。
type ChainStatus interface {
	Snapshots(ctx context.Context) (map[string]web3.ChainSnapshot, error)
}

// Option 定制 Server。
type Option func(*Server)

// WithChainStatus 让 /healthz 附带链快照。
func WithChainStatus(status ChainStatus) Option {
	return func(s *Server) {
		s.chains = status
	}
}

// WithAuthenticator 为 /api/v1 下的全部路由启用 Bearer 认证，调用方地址随上下文传给服务层。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// Server 负责暴露 REST 接口，供委托人和代理人调用授权核心。
type Server struct {
	addr   string
	svc    *service.Service
	chains ChainStatus
	auth   *auth.Authenticator
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *service.Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST "+basePath+"/delegations", "create_delegation", s.handleCreateDelegation)
	s.route(mux, "GET "+basePath+"/delegations", "list_delegations", s.handleListDelegations)
	s.route(mux, "GET "+basePath+"/delegations/{hash}", "get_delegation", s.handleGetDelegation)
	s.route(mux, "POST "+basePath+"/delegations/{hash}/revoke", "revoke_delegation", s.handleRevoke)
	s.route(mux, "POST "+basePath+"/delegations/{hash}/execute", "execute", s.handleExecute)
	s.route(mux, "GET "+basePath+"/delegations/{hash}/attempts", "list_attempts", s.handleListAttempts)
	s.route(mux, "POST "+basePath+"/typed-data", "typed_data", s.handleTypedData)
	s.route(mux, "GET "+basePath+"/audit", "audit", s.handleAudit)
	mux.Handle("GET /healthz", metrics.Middleware("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	authenticate := s.auth.Middleware(auth.MiddlewareConfig{
		Event: name,
		Deny:  s.writeError,
	})
	mux.Handle(pattern, metrics.Middleware(name, authenticate(fn)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// createBody 是创建委托和获取 typed data 共用的请求体。
type createBody struct {
	Delegator string             `json:"delegator"`
	Delegate  string             `json:"delegate"`
	Scope     string             `json:"scope"`
	Caveats   delegation.Caveats `json:"caveats"`
	Expiry    int64              `json:"expiry"`
	Nonce     *uint64            `json:"nonce,omitempty"`
	Signature string             `json:"signature,omitempty"`
}

func (b createBody) request() (service.CreateRequest, error) {
	delegator, err := parseAddress("delegator", b.Delegator)
	if err != nil {
		return service.CreateRequest{}, err
	}
	delegate, err := parseAddress("delegate", b.Delegate)
	if err != nil {
		return service.CreateRequest{}, err
	}
	req := service.CreateRequest{
		Delegator: delegator,
		Delegate:  delegate,
		Scope:     b.Scope,
		Caveats:   b.Caveats,
		Nonce:     b.Nonce,
	}
	if b.Expiry > 0 {
		req.Expiry = time.Unix(b.Expiry, 0).UTC()
	}
	if b.Signature != "" {
		sig, err := hexutil.Decode(b.Signature)
		if err != nil {
			return service.CreateRequest{}, xerrors.Wrap(delegation.CodeSignatureInvalid, err, "签名不是合法的十六进制")
		}
		req.Signature = sig
	}
	return req, nil
}

func (s *Server) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, created, err := s.svc.CreateDelegation(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, newDelegationView(d))
}

func (s *Server) handleTypedData(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.svc.TypedData(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	principal, err := parseAddress("principal", r.URL.Query().Get("principal"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.svc.ListDelegations(r.Context(), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]delegationView, 0, len(records))
	for _, d := range records {
		views = append(views, newDelegationView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDelegation(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.svc.GetDelegation(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDelegationView(d))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.svc.RevokeDelegation(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDelegationView(d))
}

type executeBody struct {
	Target   string `json:"target"`
	Amount   string `json:"amount"`
	CallData string `json:"callData,omitempty"`
}

// action 把请求体转换为执行动作，amount 为空时按 0 处理。
func (b executeBody) action() (delegation.Action, error) {
	target, err := parseAddress("target", b.Target)
	if err != nil {
		return delegation.Action{}, err
	}
	amount := "0"
	if strings.TrimSpace(b.Amount) != "" {
		amount = b.Amount
	}
	value, err := delegation.ParseEther(amount)
	if err != nil {
		return delegation.Action{Target: target}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount 非法")
	}
	var callData []byte
	if b.CallData != "" {
		if callData, err = hexutil.Decode(b.CallData); err != nil {
			return delegation.Action{Target: target, Amount: value},
				xerrors.Wrap(xerrors.CodeInvalidArgument, err, "callData 不是合法的十六进制")
		}
	}
	return delegation.Action{Target: target, Amount: value, CallData: callData}, nil
}

// handleExecute 把参数错误也交给网关处理，每次调用都恰好留下一条审计记录。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req := gateway.Request{IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))}
	status := 0
	hash, err := parseHash(r.PathValue("hash"))
	if err == nil {
		req.Hash = hash
		var body executeBody
		if err = decodeJSON(w, r, &body); err != nil {
			status = http.StatusBadRequest
		} else {
			req.Action, err = body.action()
		}
	}
	req.Invalid = err

	result, err := s.svc.Execute(r.Context(), req)
	if err != nil {
		if status == 0 {
			status = StatusOf(err)
		}
		s.writeRejection(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	attempts, err := s.svc.ListAttempts(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		views = append(views, newAttemptView(attempt))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	principal, err := parseAddress("principal", query.Get("principal"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := auditOptions(query.Get)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.svc.QueryAudit(r.Context(), principal, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// auditOptions 把查询参数转换为审计过滤条件，多个取值以逗号分隔。
func auditOptions(get func(string) string) ([]audit.QueryOption, error) {
	var opts []audit.QueryOption
	if raw := get("action"); raw != "" {
		var actions []audit.ActionKind
		for _, item := range splitList(raw) {
			actions = append(actions, audit.ActionKind(item))
		}
		opts = append(opts, audit.WithActions(actions...))
	}
	if raw := get("status"); raw != "" {
		var statuses []audit.Status
		for _, item := range splitList(raw) {
			statuses = append(statuses, audit.Status(item))
		}
		opts = append(opts, audit.WithStatuses(statuses...))
	}
	if raw := get("delegation"); raw != "" {
		hash, err := parseHash(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, audit.WithDelegation(hash))
	}

	since, err := parseUnix("since", get("since"))
	if err != nil {
		return nil, err
	}
	until, err := parseUnix("until", get("until"))
	if err != nil {
		return nil, err
	}
	if !since.IsZero() || !until.IsZero() {
		opts = append(opts, audit.WithWindow(since, until))
	}
	if raw := get("order"); raw != "" {
		opts = append(opts, audit.WithOrder(audit.ParseSortOrder(raw)))
	}

	limit, err := parseInt("limit", get("limit"))
	if err != nil {
		return nil, err
	}
	offset, err := parseInt("offset", get("offset"))
	if err != nil {
		return nil, err
	}
	if limit != 0 || offset != 0 {
		opts = append(opts, audit.WithPage(limit, offset))
	}
	return opts, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.chains != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snapshots, err := s.chains.Snapshots(ctx)
		if err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
		}
		resp["chains"] = snapshots
	}
	writeJSON(w, http.StatusOK, resp)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: detailOf(err)})
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("请求体解析失败: %v", err))
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不是合法地址: %q", field, raw))
	}
	return common.HexToAddress(raw), nil
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的委托哈希 %q", raw))
	}
	return common.BytesToHash(b), nil
}

func parseUnix(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" 需要 Unix 秒")
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func parseInt(field, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 必须为非负整数", field))
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
