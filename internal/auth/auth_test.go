package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentGuard-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	agent = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenModeMapsTokensToAddresses(t *testing.T) {
	a, err := New(Config{Mode: ModeToken, Tokens: []TokenBinding{
		{Name: "alice", Address: alice, Token: "alice-token"},
		{Name: "agent", Address: agent, Token: "agent-token"},
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	subject, err := a.AuthenticateRequest(context.Background(), "Bearer agent-token")
	if err != nil || subject.Address != agent || subject.Name != "agent" {
		t.Fatalf("unexpected subject %+v (%v)", subject, err)
	}
	if _, err := a.AuthenticateRequest(context.Background(), "bearer  alice-token "); err != nil {
		t.Fatalf("scheme is case-insensitive: %v", err)
	}
	for _, header := range []string{"", "Bearer", "Basic alice-token", "Bearer   "} {
		if _, err := a.AuthenticateRequest(context.Background(), header); err != ErrMissingToken {
			t.Fatalf("%q: expected missing token, got %v", header, err)
		}
	}
	if _, err := a.AuthenticateRequest(context.Background(), "Bearer mallory"); !xerrors.HasCode(err, CodeUnauthenticated) {
		t.Fatalf("unknown token must be rejected, got %v", err)
	}
	if _, _, err := a.IssueToken(Subject{Address: alice}); err == nil {
		t.Fatalf("token mode cannot issue tokens")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"no tokens":    {Mode: ModeToken},
		"empty token":  {Mode: ModeToken, Tokens: []TokenBinding{{Name: "x", Address: alice}}},
		"no address":   {Mode: ModeToken, Tokens: []TokenBinding{{Name: "x", Token: "t"}}},
		"duplicate":    {Mode: ModeToken, Tokens: []TokenBinding{{Address: alice, Token: "t"}, {Address: agent, Token: "t"}}},
		"short secret": {Mode: ModeJWT, JWT: JWTOptions{Secret: "short"}},
		"unknown mode": {Mode: "oauth"},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	a, err := New(Config{})
	if err != nil || a.Enabled() {
		t.Fatalf("empty mode should be disabled: %v", err)
	}
}

func TestJWTModeIssuesAndVerifies(t *testing.T) {
	a, err := New(Config{Mode: "JWT", JWT: JWTOptions{Secret: testSecret, Issuer: "agentguard", TTL: time.Minute}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	token, expires, err := a.IssueToken(Subject{Address: agent, Name: "bot"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expires) > time.Minute {
		t.Fatalf("unexpected expiry %s", expires)
	}
	subject, err := a.AuthenticateRequest(context.Background(), "Bearer "+token)
	if err != nil || subject.Address != agent || subject.Name != "bot" {
		t.Fatalf("unexpected subject %+v (%v)", subject, err)
	}

	other, _ := New(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: strings.Repeat("x", 32), Issuer: "agentguard"}})
	if _, err := other.AuthenticateRequest(context.Background(), "Bearer "+token); !xerrors.HasCode(err, CodeUnauthenticated) {
		t.Fatalf("token signed with another secret must fail, got %v", err)
	}

	a.jwt.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := a.AuthenticateRequest(context.Background(), "Bearer "+token); !xerrors.HasCode(err, CodeUnauthenticated) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestRequire(t *testing.T) {
	if err := Require(context.Background(), alice, RoleDelegator); err != nil {
		t.Fatalf("no subject means authentication is disabled: %v", err)
	}
	ctx := WithSubject(context.Background(), &Subject{Address: alice})
	if err := Require(ctx, alice, RoleDelegator); err != nil {
		t.Fatalf("matching caller: %v", err)
	}
	err := Require(ctx, agent, RoleDelegate)
	if !xerrors.HasCode(err, CodePermissionDenied) || !xerrors.IsRejection(err) {
		t.Fatalf("expected permission denied rejection, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["caller"] != alice.Hex() {
		t.Fatalf("caller metadata missing: %v", e.Metadata())
	}
}

func TestMiddleware(t *testing.T) {
	a, err := New(Config{Mode: ModeToken, Tokens: []TokenBinding{{Address: alice, Token: "alice-token"}}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var seen *Subject
	handler := a.Middleware(MiddlewareConfig{Event: "test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/x", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || seen == nil || seen.Address != alice {
		t.Fatalf("authenticated request: %d %+v", rec.Code, seen)
	}

	seen = nil
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/x", nil))
	if rec.Code != http.StatusUnauthorized || seen != nil {
		t.Fatalf("anonymous request must be rejected: %d", rec.Code)
	}

	var disabled *Authenticator
	rec = httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent || seen != nil {
		t.Fatalf("disabled authenticator must pass through without a subject")
	}
}
