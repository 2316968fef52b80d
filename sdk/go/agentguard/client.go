// Package agentguard is a typed Go client for the AgentGuard delegation API.
package agentguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentGuard REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Caveat is a single restriction in its wire form, e.g.
// {"type": "maxAmount", "value": "2.5"}.
type Caveat struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MaxAmount builds a lifetime spend ceiling expressed in ether.
func MaxAmount(ether string) Caveat { return Caveat{Type: "maxAmount", Value: ether} }

// AllowedTargets builds a target allow-list.
func AllowedTargets(targets ...string) Caveat { return Caveat{Type: "allowedTargets", Value: targets} }

// ExpiresAt builds an expiry caveat.
func ExpiresAt(t time.Time) Caveat { return Caveat{Type: "expiry", Value: t.Unix()} }

// CreateDelegationRequest is the payload for creating a delegation. When
// Signature is empty the server signs with its managed key for Delegator.
type CreateDelegationRequest struct {
	Delegator string   `json:"delegator"`
	Delegate  string   `json:"delegate"`
	Scope     string   `json:"scope"`
	Caveats   []Caveat `json:"caveats"`
	Expiry    int64    `json:"expiry,omitempty"`
	Nonce     *uint64  `json:"nonce,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// Delegation is the server view of a delegation record. Amounts are decimal
// ether strings and times are Unix seconds.
type Delegation struct {
	Hash             string          `json:"hash"`
	Delegator        string          `json:"delegator"`
	Delegate         string          `json:"delegate"`
	Scope            string          `json:"scope"`
	Caveats          json.RawMessage `json:"caveats"`
	Nonce            uint64          `json:"nonce"`
	Signature        string          `json:"signature"`
	CreatedAt        int64           `json:"createdAt"`
	Expiry           int64           `json:"expiry,omitempty"`
	Status           string          `json:"status"`
	RevokedAt        *int64          `json:"revokedAt,omitempty"`
	UsedAmount       string          `json:"usedAmount"`
	Remaining        string          `json:"remaining,omitempty"`
	TransactionCount uint64          `json:"transactionCount"`
}

// TypedData is the EIP-712 payload a wallet signs with eth_signTypedData_v4.
type TypedData struct {
	Hash      string          `json:"hash"`
	Nonce     uint64          `json:"nonce"`
	TypedData json.RawMessage `json:"typedData"`
}

// ExecuteRequest describes an action the delegate wants to perform.
type ExecuteRequest struct {
	Target   string `json:"target"`
	Amount   string `json:"amount"`
	CallData string `json:"callData,omitempty"`
}

// ExecutionResult is returned when an execution is authorized and submitted.
type ExecutionResult struct {
	DelegationHash   string `json:"delegationHash"`
	AttemptID        string `json:"attemptId"`
	TxHash           string `json:"txHash"`
	UsedAmount       string `json:"usedAmount"`
	Remaining        string `json:"remaining,omitempty"`
	TransactionCount uint64 `json:"transactionCount"`
	Replayed         bool   `json:"replayed"`
}

// Attempt is a recorded execution attempt.
type Attempt struct {
	ID             string `json:"id"`
	DelegationHash string `json:"delegationHash"`
	Target         string `json:"target"`
	Value          string `json:"value"`
	Data           string `json:"data,omitempty"`
	TxHash         string `json:"txHash,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ReservationID  string `json:"reservationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID             string            `json:"id"`
	Principal      string            `json:"principal"`
	Action         string            `json:"actionKind"`
	DelegationHash string            `json:"delegationHash"`
	Details        map[string]string `json:"details,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	RelatedTxHash  string            `json:"relatedTxHash,omitempty"`
}

// AuditQuery filters audit entries of a principal.
type AuditQuery struct {
	Principal  string
	Actions    []string
	Statuses   []string
	Delegation string
	Since      time.Time
	Until      time.Time
	Ascending  bool
	Limit      int
	Offset     int
}

func (q AuditQuery) values() url.Values {
	v := url.Values{}
	v.Set("principal", q.Principal)
	if len(q.Actions) > 0 {
		v.Set("action", strings.Join(q.Actions, ","))
	}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Delegation != "" {
		v.Set("delegation", q.Delegation)
	}
	if !q.Since.IsZero() {
		v.Set("since", strconv.FormatInt(q.Since.Unix(), 10))
	}
	if !q.Until.IsZero() {
		v.Set("until", strconv.FormatInt(q.Until.Unix(), 10))
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// APIError represents a failure reported by the server. Rejected is true for
// execution rejections, which carry the violated caveat when applicable.
type APIError struct {
	StatusCode int    `json:"-"`
	Rejected   bool   `json:"-"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
	Kind       string `json:"kind,omitempty"`
	Observed   string `json:"observed,omitempty"`
	Limit      string `json:"limit,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("agentguard api error (%d): %s - %s (kind=%s observed=%s limit=%s)",
			e.StatusCode, e.Code, e.Reason, e.Kind, e.Observed, e.Limit)
	}
	if e.Code != "" {
		return fmt.Sprintf("agentguard api error (%d): %s - %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("agentguard api error (%d): %s", e.StatusCode, e.Reason)
}

// NewClient instantiates a client for the AgentGuard API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// WithToken returns a copy of the client that sends token as a Bearer
// credential. Servers running with auth enabled reject anonymous calls.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

// CreateDelegation creates a delegation. created is false when the server
// returned an existing identical record.
func (c *Client) CreateDelegation(ctx context.Context, req CreateDelegationRequest) (d Delegation, created bool, err error) {
	status, err := c.send(ctx, http.MethodPost, "/api/v1/delegations", nil, req, &d, nil)
	if err != nil {
		return Delegation{}, false, err
	}
	return d, status == http.StatusCreated, nil
}

// TypedData returns the EIP-712 payload for client-side signing.
func (c *Client) TypedData(ctx context.Context, req CreateDelegationRequest) (TypedData, error) {
	var out TypedData
	_, err := c.send(ctx, http.MethodPost, "/api/v1/typed-data", nil, req, &out, nil)
	return out, err
}

// GetDelegation fetches a delegation by hash.
func (c *Client) GetDelegation(ctx context.Context, hash string) (Delegation, error) {
	var out Delegation
	_, err := c.send(ctx, http.MethodGet, "/api/v1/delegations/"+url.PathEscape(hash), nil, nil, &out, nil)
	return out, err
}

// ListDelegations lists the delegations granted by principal.
func (c *Client) ListDelegations(ctx context.Context, principal string) ([]Delegation, error) {
	var out []Delegation
	query := url.Values{"principal": {principal}}
	_, err := c.send(ctx, http.MethodGet, "/api/v1/delegations", query, nil, &out, nil)
	return out, err
}

// RevokeDelegation revokes a delegation.
func (c *Client) RevokeDelegation(ctx context.Context, hash string) (Delegation, error) {
	var out Delegation
	_, err := c.send(ctx, http.MethodPost, "/api/v1/delegations/"+url.PathEscape(hash)+"/revoke", nil, nil, &out, nil)
	return out, err
}

// Execute asks the gateway to authorize and submit an action. A non-empty
// idempotencyKey makes retries return the first outcome.
func (c *Client) Execute(ctx context.Context, hash string, req ExecuteRequest, idempotencyKey string) (ExecutionResult, error) {
	var out ExecutionResult
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": {idempotencyKey}}
	}
	_, err := c.send(ctx, http.MethodPost, "/api/v1/delegations/"+url.PathEscape(hash)+"/execute", nil, req, &out, headers)
	return out, err
}

// ListAttempts returns the execution attempts of a delegation.
func (c *Client) ListAttempts(ctx context.Context, hash string) ([]Attempt, error) {
	var out []Attempt
	_, err := c.send(ctx, http.MethodGet, "/api/v1/delegations/"+url.PathEscape(hash)+"/attempts", nil, nil, &out, nil)
	return out, err
}

// QueryAudit returns audit entries matching q.
func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	var out []AuditEntry
	_, err := c.send(ctx, http.MethodGet, "/api/v1/audit", q.values(), nil, &out, nil)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, headers http.Header) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var envelope struct {
		Error    *APIError `json:"error"`
		Rejected *APIError `json:"rejected"`
	}
	if len(data) > 0 && json.Unmarshal(data, &envelope) == nil {
		switch {
		case envelope.Rejected != nil:
			*apiErr = *envelope.Rejected
			apiErr.Rejected = true
		case envelope.Error != nil:
			*apiErr = *envelope.Error
		}
		apiErr.StatusCode = resp.StatusCode
	}
	if apiErr.Reason == "" {
		apiErr.Reason = string(bytes.TrimSpace(data))
	}
	return apiErr
}
