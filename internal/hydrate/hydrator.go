// Package hydrate は永続化済みの結果からステータスキャッシュを復元します。
package hydrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/logger"
)

// OutputType は永続化された出力の種別です。
type OutputType string

const (
	OutputHousehold OutputType = "household"
	OutputEconomy   OutputType = "economy"
)

// Entity は復元対象のエンティティです。
type Entity struct {
	CalcID     string
	TargetType calc.TargetType
	CountryID  string
	ReportID   string
	Output     json.RawMessage
	OutputType OutputType
}

// Hydrator はビュー1回分の復元処理を表します。同じ calcId の復元は1度だけ行います。
type Hydrator struct {
	cache         calc.StatusCache
	logger        logger.Logger
	now           func() time.Time
	geographyType calc.CalcType

	mu   sync.Mutex
	seen map[string]struct{}
}

// Option は Hydrator の設定を変更します。
type Option func(*Hydrator)

// WithLogger はロガーを設定します。
func WithLogger(l logger.Logger) Option {
	return func(h *Hydrator) { h.logger = logger.OrNop(l) }
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(h *Hydrator) { h.now = now }
}

// WithGeographyCalcType は経済出力を復元するときの計算種別を設定します。
func WithGeographyCalcType(t calc.CalcType) Option {
	return func(h *Hydrator) { h.geographyType = t }
}

// New は Hydrator を作成します。
func New(cache calc.StatusCache, opts ...Option) *Hydrator {
	h := &Hydrator{
		cache:         cache,
		logger:        logger.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		geographyType: calc.CalcTypeEconomy,
		seen:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hydrate は出力を持つエンティティを complete 状態としてキャッシュへ書き込みます。
// 既にエントリがある場合は上書きしません。書き込んだ場合は true を返します。
func (h *Hydrator) Hydrate(ctx context.Context, entity Entity) (bool, error) {
	if entity.CalcID == "" || len(entity.Output) == 0 || string(entity.Output) == "null" {
		return false, nil
	}
	calcType, ok := h.calcTypeFor(entity.OutputType)
	if !ok {
		return false, nil
	}
	if !h.claim(entity.CalcID) {
		return false, nil
	}

	meta := calc.Metadata{
		CalcID:     entity.CalcID,
		CalcType:   calcType,
		TargetType: entity.TargetType,
		CountryID:  entity.CountryID,
		ReportID:   entity.ReportID,
		StartedAt:  h.now(),
	}
	wrote, err := h.cache.SetIfAbsent(ctx, entity.CalcID, calc.Entry{
		Status:    calc.NewComplete(meta, entity.Output),
		Refetch:   calc.RefetchPolicy{StaleTime: calc.NeverStale},
		UpdatedAt: h.now(),
	})
	if err != nil {
		h.release(entity.CalcID)
		return false, fmt.Errorf("hydrate %s: %w", entity.CalcID, err)
	}
	if wrote {
		h.logger.Debug("Hydrated status cache from persisted output",
			logger.String("calc_id", entity.CalcID),
			logger.String("target_type", string(entity.TargetType)),
		)
	}
	return wrote, nil
}

// HydrateReport はレポートとそのシミュレーションを復元します。
// 世帯レポートはシミュレーション単位で計算されるため、レポート自体ではなく各シミュレーションを復元します。
func (h *Hydrator) HydrateReport(ctx context.Context, report *backend.ReportRecord, simulations []*backend.SimulationRecord) (int, error) {
	if report == nil {
		return 0, nil
	}

	household := len(simulations) > 0 && simulations[0] != nil &&
		simulations[0].PopulationType == string(calc.PopulationHousehold)

	if !household {
		wrote, err := h.Hydrate(ctx, Entity{
			CalcID:     report.ID,
			TargetType: calc.TargetReport,
			CountryID:  report.CountryID,
			Output:     report.Output,
			OutputType: OutputEconomy,
		})
		if err != nil || !wrote {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	for _, sim := range simulations {
		if sim == nil {
			continue
		}
		wrote, err := h.Hydrate(ctx, Entity{
			CalcID:     sim.ID,
			TargetType: calc.TargetSimulation,
			CountryID:  sim.CountryID,
			ReportID:   report.ID,
			Output:     sim.Output,
			OutputType: OutputHousehold,
		})
		if err != nil {
			return count, err
		}
		if wrote {
			count++
		}
	}
	return count, nil
}

func (h *Hydrator) calcTypeFor(t OutputType) (calc.CalcType, bool) {
	switch t {
	case OutputHousehold:
		return calc.CalcTypeHousehold, true
	case OutputEconomy:
		return h.geographyType, true
	default:
		return "", false
	}
}

func (h *Hydrator) claim(calcID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[calcID]; ok {
		return false
	}
	h.seen[calcID] = struct{}{}
	return true
}

func (h *Hydrator) release(calcID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, calcID)
}
