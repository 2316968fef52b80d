package audit

import (
	"context"
	"log/slog"
	"time"

	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Recorder 是审计日志的入口。Append 从不向调用方返回错误，
// 存储或广播失败只记录到审计日志文件。
type Recorder struct {
	store     Store
	publisher Publisher
	clock     func() time.Time
	logger    *slog.Logger
}

// RecorderOption 配置 Recorder。
type RecorderOption func(*Recorder)

// WithPublisher 启用审计记录广播。
func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) {
		r.publisher = p
	}
}

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder 创建 Recorder。
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, clock: time.Now, logger: logger.Audit()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Append 追加一条记录并返回写入后的副本。
func (r *Recorder) Append(ctx context.Context, entry Entry) *Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock().UTC()
	}
	stored := entry.Clone()

	attrs := []any{
		slog.String("id", stored.ID),
		slog.String("principal", stored.Principal.Hex()),
		slog.String("action", string(stored.Action)),
		slog.String("delegation", stored.DelegationHash.Hex()),
		slog.String("status", string(stored.Status)),
	}
	if stored.RelatedTxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", stored.RelatedTxHash))
	}
	if reason := stored.Details["reason"]; reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	r.logger.Info("audit entry", attrs...)

	if r.store != nil {
		if err := r.store.Insert(ctx, stored); err != nil {
			r.logger.Error("写入审计记录失败", slog.String("id", stored.ID), slog.Any("error", err))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, stored); err != nil {
			r.logger.Warn("广播审计记录失败", slog.String("id", stored.ID), slog.Any("error", err))
		}
	}
	return stored.Clone()
}

// Query 返回委托人的审计记录。
func (r *Recorder) Query(ctx context.Context, principal common.Address, opts ...QueryOption) ([]*Entry, error) {
	return r.store.Query(ctx, principal, BuildQueryOptions(opts...))
}

// Close 释放广播连接。
func (r *Recorder) Close() error {
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Close()
}
