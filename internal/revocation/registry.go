// Package revocation 是执行流程的第一道关卡：撤销与过期检查。
package revocation

import (
	"context"
	"log/slog"
	"time"

	"AgentGuard-Chain/internal/delegation"
	"AgentGuard-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Registry 基于委托存储的状态列实现撤销登记。
type Registry struct {
	store  delegation.Store
	clock  delegation.Clock
	logger *slog.Logger
}

// Option 配置 Registry。
type Option func(*Registry)

// WithClock 替换时间来源。
func WithClock(clock delegation.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry 创建撤销登记表。
func NewRegistry(store delegation.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  delegation.SystemClock,
		logger: logger.Named("revocation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Revoke 撤销委托。撤销返回后开始的任何校验都会被拒绝。
func (r *Registry) Revoke(ctx context.Context, hash common.Hash) (*delegation.Delegation, error) {
	d, err := r.store.Revoke(ctx, hash, r.clock.Now())
	if err != nil {
		return d, err
	}
	r.logger.Info("委托已撤销", slog.String("hash", hash.Hex()), slog.String("delegator", d.Delegator.Hex()))
	return d, nil
}

// IsRevoked 读取最新的撤销状态。
func (r *Registry) IsRevoked(ctx context.Context, hash common.Hash) (bool, error) {
	d, err := r.store.Get(ctx, hash)
	if err != nil {
		return false, err
	}
	return d.Status == delegation.StatusRevoked, nil
}

// Check 依次检查撤销与推导出的过期状态，两者都先于任何约束求值。
func (r *Registry) Check(d *delegation.Delegation, now time.Time) error {
	switch d.EffectiveStatus(now) {
	case delegation.StatusRevoked:
		return delegation.ErrRevoked(d.Hash)
	case delegation.StatusExpired:
		return delegation.ErrExpired(d.Hash)
	}
	return nil
}
