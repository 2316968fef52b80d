// Package audit 保存追加写入的授权审计记录，并可选地将其广播到消息总线。
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind 标识被审计的操作。
type ActionKind string

const (
	ActionCreate         ActionKind = "create"
	ActionValidateReject ActionKind = "validate_reject"
	ActionExecute        ActionKind = "execute"
	ActionRevoke         ActionKind = "revoke"
)

// Status 是审计记录的结果。
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
	StatusReplayed Status = "replayed"
)

// Entry 是一条审计记录。
type Entry struct {
	ID             string            `json:"id"`
	Principal      common.Address    `json:"principal"`
	Action         ActionKind        `json:"actionKind"`
	DelegationHash common.Hash       `json:"delegationHash"`
	Details        map[string]string `json:"details,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	Status         Status            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	RelatedTxHash  string            `json:"relatedTxHash,omitempty"`
}

// Clone 返回深拷贝。
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	if e.Confidence != nil {
		c := *e.Confidence
		clone.Confidence = &c
	}
	return &clone
}

// Store 是审计记录的持久化接口，只支持追加与查询。
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, principal common.Address, opts QueryOptions) ([]*Entry, error)
}

// Publisher 将审计记录转发给外部消费者。
type Publisher interface {
	Publish(ctx context.Context, entry *Entry) error
	Close() error
}

// SortOrder 控制查询结果按时间的排序方向。
type SortOrder int

const (
	SortDesc SortOrder = iota
	SortAsc
)

// ParseSortOrder 解析 "asc"/"desc"，其他值返回默认的倒序。
func ParseSortOrder(value string) SortOrder {
	if strings.EqualFold(strings.TrimSpace(value), "asc") {
		return SortAsc
	}
	return SortDesc
}

// QueryOptions 描述审计查询条件。
type QueryOptions struct {
	Actions        []ActionKind
	Statuses       []Status
	DelegationHash *common.Hash
	Since          time.Time
	Until          time.Time
	Order          SortOrder
	Limit          int
	Offset         int
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

func (opts *QueryOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultQueryLimit
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortAsc {
		opts.Order = SortDesc
	}
}

// Normalized 返回补齐默认分页与排序后的副本，供外部存储实现使用。
func (opts QueryOptions) Normalized() QueryOptions {
	opts.applyDefaults()
	return opts
}

// QueryOption 修改 QueryOptions。
type QueryOption func(*QueryOptions)

// WithActions 按操作类型过滤。
func WithActions(actions ...ActionKind) QueryOption {
	return func(opts *QueryOptions) {
		opts.Actions = append(opts.Actions[:0], actions...)
	}
}

// WithStatuses 按结果过滤。
func WithStatuses(statuses ...Status) QueryOption {
	return func(opts *QueryOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithDelegation 只返回指定委托的记录。
func WithDelegation(hash common.Hash) QueryOption {
	return func(opts *QueryOptions) {
		opts.DelegationHash = &hash
	}
}

// WithWindow 限定时间窗口（闭区间），零值表示不限。
func WithWindow(since, until time.Time) QueryOption {
	return func(opts *QueryOptions) {
		opts.Since = since
		opts.Until = until
	}
}

// WithOrder 设置排序方向。
func WithOrder(order SortOrder) QueryOption {
	return func(opts *QueryOptions) {
		opts.Order = order
	}
}

// WithPage 设置分页。
func WithPage(limit, offset int) QueryOption {
	return func(opts *QueryOptions) {
		opts.Limit = limit
		opts.Offset = offset
	}
}

// BuildQueryOptions 在默认值之上应用选项。
func BuildQueryOptions(opts ...QueryOption) QueryOptions {
	options := QueryOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Matches 判断记录是否满足过滤条件（不含分页）。
func (opts QueryOptions) Matches(entry *Entry) bool {
	if len(opts.Actions) > 0 && !containsAction(opts.Actions, entry.Action) {
		return false
	}
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, entry.Status) {
		return false
	}
	if opts.DelegationHash != nil && entry.DelegationHash != *opts.DelegationHash {
		return false
	}
	if !opts.Since.IsZero() && entry.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && entry.Timestamp.After(opts.Until) {
		return false
	}
	return true
}

func containsAction(list []ActionKind, action ActionKind) bool {
	for _, item := range list {
		if item == action {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, status Status) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}
