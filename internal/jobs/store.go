package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/policy-calc/internal/calc"
)

const (
	statusKeyPrefix = "calculation:"
)

// StatusStore は計算状態を Redis に保存します。calc.StatusCache を実装します。
type StatusStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ calc.StatusCache = (*StatusStore)(nil)

// NewStatusStore は StatusStore を作成します。ttl が0以下なら期限なしで保存します。
func NewStatusStore(rdb *redis.Client, ttl time.Duration) *StatusStore {
	return &StatusStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get は計算状態を取得します。
func (s *StatusStore) Get(ctx context.Context, calcID string) (*calc.Entry, error) {
	if calcID == "" {
		return nil, fmt.Errorf("calcID is required")
	}
	data, err := s.rdb.Get(ctx, statusKey(calcID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry calc.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set は計算状態を置き換えます。
func (s *StatusStore) Set(ctx context.Context, calcID string, entry calc.Entry) error {
	payload, err := s.encode(entry)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, statusKey(calcID), payload, s.expiration()).Err()
}

// SetIfAbsent はキーが存在しない場合だけ保存します。
func (s *StatusStore) SetIfAbsent(ctx context.Context, calcID string, entry calc.Entry) (bool, error) {
	payload, err := s.encode(entry)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, statusKey(calcID), payload, s.expiration()).Result()
}

// SetUnlessTerminal は既存エントリが終端状態でなければ置き換えます。
// 置き換えなかった場合は既存のエントリを返します。
func (s *StatusStore) SetUnlessTerminal(ctx context.Context, calcID string, entry calc.Entry) (*calc.Entry, bool, error) {
	var existing *calc.Entry
	err := s.update(ctx, calcID, func(cur *calc.Entry) *calc.Entry {
		existing = nil
		if cur != nil && cur.Status.IsTerminal() {
			existing = cur
			return nil
		}
		return &entry
	})
	if err != nil {
		return nil, false, err
	}
	return existing, existing == nil, nil
}

// update は WATCH による楽観的ロックでエントリを書き換えます。
// mutate が nil を返した場合は書き込みません。
func (s *StatusStore) update(ctx context.Context, calcID string, mutate func(cur *calc.Entry) *calc.Entry) error {
	key := statusKey(calcID)
	txf := func(tx *redis.Tx) error {
		var cur *calc.Entry
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cur = &calc.Entry{}
			if err := json.Unmarshal(data, cur); err != nil {
				return err
			}
		}

		next := mutate(cur)
		if next == nil {
			return nil
		}
		payload, err := s.encode(*next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.expiration())
			return nil
		})
		return err
	}

	for {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func (s *StatusStore) encode(entry calc.Entry) ([]byte, error) {
	if entry.Status == nil {
		return nil, fmt.Errorf("entry status is nil")
	}
	return json.Marshal(calc.NormalizeEntry(entry))
}

func (s *StatusStore) expiration() time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	return s.ttl
}

func statusKey(id string) string {
	return statusKeyPrefix + id
}
