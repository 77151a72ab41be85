package calc

import (
	"context"
	"sync"
	"time"
)

// StatusCache は calcId をキーに最新の CalcStatus を保持する共有キャッシュです。
// 存在しないキーの Get は nil, nil を返します。
type StatusCache interface {
	Get(ctx context.Context, calcID string) (*Entry, error)
	Set(ctx context.Context, calcID string, entry Entry) error
	// SetIfAbsent はエントリがない場合だけ書き込み、書き込んだかどうかを返します。
	SetIfAbsent(ctx context.Context, calcID string, entry Entry) (bool, error)
	// SetUnlessTerminal は既存エントリが終端状態でない場合だけ書き込みます。
	// 書き込まなかった場合は既存のエントリを返します。
	SetUnlessTerminal(ctx context.Context, calcID string, entry Entry) (*Entry, bool, error)
}

// CacheKey はステータスキャッシュのキーです。
func CacheKey(calcID string) []string {
	return []string{"calculation", calcID}
}

// MemoryCache はプロセス内のステータスキャッシュです。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache は MemoryCache を作成します。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get はエントリを取得します。
func (c *MemoryCache) Get(_ context.Context, calcID string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[calcID]
	if !ok {
		return nil, nil
	}
	entry.Status = entry.Status.Clone()
	return &entry, nil
}

// Set はエントリを置き換えます（マージはしません）。
func (c *MemoryCache) Set(_ context.Context, calcID string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[calcID] = normalizeEntry(entry)
	return nil
}

// SetIfAbsent はエントリがない場合だけ書き込みます。
func (c *MemoryCache) SetIfAbsent(_ context.Context, calcID string, entry Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[calcID]; ok {
		return false, nil
	}
	c.entries[calcID] = normalizeEntry(entry)
	return true, nil
}

// SetUnlessTerminal は終端状態のエントリを上書きしません。
func (c *MemoryCache) SetUnlessTerminal(_ context.Context, calcID string, entry Entry) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[calcID]; ok && cur.Status.IsTerminal() {
		cur.Status = cur.Status.Clone()
		return &cur, false, nil
	}
	c.entries[calcID] = normalizeEntry(entry)
	return nil, true, nil
}

// normalizeEntry は終端状態のエントリのポーリングを必ず停止させます。
func normalizeEntry(entry Entry) Entry {
	entry.Status = entry.Status.Clone()
	if entry.Status.IsTerminal() {
		entry.Refetch.Enabled = false
		entry.Refetch.Interval = 0
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	return entry
}

// NormalizeEntry は外部実装向けに normalizeEntry を公開します。
func NormalizeEntry(entry Entry) Entry {
	return normalizeEntry(entry)
}
