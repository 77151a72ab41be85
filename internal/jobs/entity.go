package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// EntityCache はレポートやシミュレーションのエンティティを Redis にキャッシュします。
// キーは ["reports", "report_id", id] のような配列で指定し、":" で連結して保存します。
type EntityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewEntityCache は EntityCache を作成します。
func NewEntityCache(rdb *redis.Client, ttl time.Duration) *EntityCache {
	return &EntityCache{rdb: rdb, ttl: ttl}
}

// ReportKey はレポートのキャッシュキーです。
func ReportKey(reportID string) []string {
	return []string{"reports", "report_id", reportID}
}

// SimulationKey はシミュレーションのキャッシュキーです。
func SimulationKey(simulationID string) []string {
	return []string{"simulations", "simulation_id", simulationID}
}

// Get は dst にデコードします。キャッシュにない場合は false を返します。
func (c *EntityCache) Get(ctx context.Context, key []string, dst any) (bool, error) {
	data, err := c.rdb.Get(ctx, entityKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", entityKey(key), err)
	}
	return true, nil
}

// Set は value を保存します。
func (c *EntityCache) Set(ctx context.Context, key []string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, entityKey(key), payload, c.ttl).Err()
}

// Invalidate はキャッシュを破棄し、次回の取得で再読み込みさせます。
func (c *EntityCache) Invalidate(ctx context.Context, key []string) error {
	return c.rdb.Del(ctx, entityKey(key)).Err()
}

func entityKey(key []string) string {
	return strings.Join(key, ":")
}
