package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 在内存中保存审计记录。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[common.Address][]*Entry
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[common.Address][]*Entry)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Principal] = append(m.entries[entry.Principal], entry.Clone())
	return nil
}

// Query 实现 Store 接口。
func (m *MemoryStore) Query(_ context.Context, principal common.Address, opts QueryOptions) ([]*Entry, error) {
	opts.applyDefaults()

	m.mu.RLock()
	stored := m.entries[principal]
	matched := make([]*Entry, 0, len(stored))
	for i := range stored {
		// 倒序时按写入顺序逆向遍历，时间戳相同的记录也保持新在前
		entry := stored[i]
		if opts.Order == SortDesc {
			entry = stored[len(stored)-1-i]
		}
		if opts.Matches(entry) {
			matched = append(matched, entry.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if opts.Order == SortAsc {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if opts.Offset >= len(matched) {
		return []*Entry{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}
