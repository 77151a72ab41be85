package calc

import (
	"context"
	"time"

	"github.com/yourusername/policy-calc/internal/backend"
)

// Strategy は計算種別ごとの実行方法を表します。
type Strategy interface {
	// Type はこのストラテジーが扱う計算種別です。
	Type() CalcType
	// Execute はリモート計算を1回呼び出し、統一形式の状態を返します。
	// 通信エラーはそのまま呼び出し元へ返します。
	Execute(ctx context.Context, params Params, meta Metadata) (*CalcStatus, error)
	// RefetchConfig はポーリング方針を返します。
	RefetchConfig() RefetchConfig
}

// HouseholdClient は世帯計算APIのクライアントです。
type HouseholdClient interface {
	CalculateHousehold(ctx context.Context, req backend.HouseholdRequest) (*backend.HouseholdResponse, error)
}

// EconomyClient は経済計算APIのクライアントです。
type EconomyClient interface {
	CalculateEconomy(ctx context.Context, req backend.EconomyRequest) (*backend.EconomyResponse, error)
}

// SocietyWideClient は社会全体計算APIのクライアントです。
type SocietyWideClient interface {
	CalculateSocietyWide(ctx context.Context, req backend.EconomyRequest) (*backend.SocietyWideResponse, error)
}

// pollWhileRunning は計算中のみ一定間隔でポーリングする方針を作ります。
func pollWhileRunning(interval time.Duration) RefetchConfig {
	if interval <= 0 {
		interval = DefaultRefetchInterval
	}
	return RefetchConfig{
		Interval: func(status *CalcStatus) (time.Duration, bool) {
			if status == nil {
				return interval, true
			}
			switch status.Status {
			case StatusComputing, StatusPending:
				return interval, true
			default:
				return 0, false
			}
		},
		StaleTime: NeverStale,
	}
}

// statusMapping はバックエンドの状態文字列から統一状態への対応表です。
type statusMapping map[string]Status

func (m statusMapping) lookup(raw string) (Status, bool) {
	s, ok := m[raw]
	return s, ok
}

// 各バックエンドの状態語彙は一致していないため、対応表で明示的に変換する。
var (
	householdStatuses = statusMapping{
		"ok":    StatusComplete,
		"error": StatusError,
	}
	economyStatuses = statusMapping{
		"computing": StatusComputing,
		"pending":   StatusComputing,
		"ok":        StatusComplete,
		"completed": StatusComplete,
		"error":     StatusError,
	}
	societyWideStatuses = statusMapping{
		"pending":  StatusPending,
		"running":  StatusPending,
		"complete": StatusComplete,
		"error":    StatusError,
	}
)

// reformOrBaseline は改革案がなければベースラインを返します。
func reformOrBaseline(ids PolicyIDs) string {
	if ids.Reform != "" {
		return ids.Reform
	}
	return ids.Baseline
}

func regionOrCountry(params Params) string {
	if params.Region != "" {
		return params.Region
	}
	return params.CountryID
}
