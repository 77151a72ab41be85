package calc

import (
	"context"
	"time"

	"github.com/yourusername/policy-calc/internal/backend"
)

const errCodeSocietyWideFailed = "SOCIETY_WIDE_CALC_ERROR"

// SocietyWideStrategy は社会全体計算のストラテジーです。
// レスポンス形式は経済計算と同じですが、完了状態の語彙が異なります。
type SocietyWideStrategy struct {
	client   SocietyWideClient
	interval time.Duration
}

// NewSocietyWideStrategy は SocietyWideStrategy を作成します。
func NewSocietyWideStrategy(client SocietyWideClient, interval time.Duration) *SocietyWideStrategy {
	return &SocietyWideStrategy{client: client, interval: interval}
}

// Type は計算種別を返します。
func (s *SocietyWideStrategy) Type() CalcType { return CalcTypeSocietyWide }

// Execute は社会全体計算APIを呼び出します。
func (s *SocietyWideStrategy) Execute(ctx context.Context, params Params, meta Metadata) (*CalcStatus, error) {
	req := economyRequest(params)
	req.Dataset = datasetForRegion(req.CountryID, req.Region)
	resp, err := s.client.CalculateSocietyWide(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.TransformResponse(resp, meta), nil
}

// TransformResponse は社会全体計算APIのレスポンスを統一形式へ変換します。
func (s *SocietyWideStrategy) TransformResponse(resp *backend.SocietyWideResponse, meta Metadata) *CalcStatus {
	if resp == nil {
		return NewError(meta, errCodeSocietyWideFailed, "empty society-wide response", true)
	}
	status, ok := societyWideStatuses.lookup(resp.Status)
	if !ok {
		return NewError(meta, errCodeUnknownStatus, "unexpected society-wide status: "+resp.Status, false)
	}
	return queuedStatus(status, resp.Result, resp.ErrorMessage(), resp.QueuePosition, resp.AverageTime, meta, errCodeSocietyWideFailed)
}

// RefetchConfig はポーリング方針を返します。
func (s *SocietyWideStrategy) RefetchConfig() RefetchConfig {
	return pollWhileRunning(s.interval)
}

// datasetForRegion は米国全体のときだけ拡張CPSデータセットを指定します。
func datasetForRegion(countryID, region string) string {
	if countryID == "us" && region == "us" {
		return "enhanced_cps"
	}
	return ""
}
