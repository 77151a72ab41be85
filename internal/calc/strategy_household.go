package calc

import (
	"context"
	"time"

	"github.com/yourusername/policy-calc/internal/backend"
)

const (
	errCodeHouseholdFailed = "HOUSEHOLD_CALC_FAILED"
	errCodeUnknownStatus   = "UNKNOWN_BACKEND_STATUS"
)

// HouseholdStrategy は世帯計算のストラテジーです。
// バックエンドは同期的に結果を返すため、計算中の状態は Service 側で合成します。
type HouseholdStrategy struct {
	client   HouseholdClient
	interval time.Duration
}

// NewHouseholdStrategy は HouseholdStrategy を作成します。
func NewHouseholdStrategy(client HouseholdClient, interval time.Duration) *HouseholdStrategy {
	return &HouseholdStrategy{client: client, interval: interval}
}

// Type は計算種別を返します。
func (s *HouseholdStrategy) Type() CalcType { return CalcTypeHousehold }

// Execute は世帯計算APIを呼び出します。
func (s *HouseholdStrategy) Execute(ctx context.Context, params Params, meta Metadata) (*CalcStatus, error) {
	resp, err := s.client.CalculateHousehold(ctx, backend.HouseholdRequest{
		CountryID:    params.CountryID,
		PolicyID:     reformOrBaseline(params.PolicyIDs),
		PopulationID: params.PopulationID,
	})
	if err != nil {
		return nil, err
	}
	return s.TransformResponse(resp, meta), nil
}

// TransformResponse は世帯計算APIのレスポンスを統一形式へ変換します。
func (s *HouseholdStrategy) TransformResponse(resp *backend.HouseholdResponse, meta Metadata) *CalcStatus {
	if resp == nil {
		return NewError(meta, errCodeHouseholdFailed, "empty household response", false)
	}
	status, ok := householdStatuses.lookup(resp.Status)
	if !ok {
		return NewError(meta, errCodeUnknownStatus, "unexpected household status: "+resp.Status, false)
	}
	if status == StatusError {
		msg := resp.Error
		if msg == "" {
			msg = "Household calculation failed"
		}
		return NewError(meta, errCodeHouseholdFailed, msg, false)
	}
	if !hasResult(resp.Result) {
		return NewError(meta, errCodeHouseholdFailed, "household response has no result", false)
	}
	return NewComplete(meta, resp.Result)
}

// RefetchConfig はポーリング方針を返します。
func (s *HouseholdStrategy) RefetchConfig() RefetchConfig {
	return pollWhileRunning(s.interval)
}
