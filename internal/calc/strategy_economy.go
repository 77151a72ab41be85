package calc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/yourusername/policy-calc/internal/backend"
)

const errCodeEconomyFailed = "ECONOMY_CALC_ERROR"

// EconomyStrategy はキュー型の経済計算ストラテジーです。
type EconomyStrategy struct {
	client   EconomyClient
	interval time.Duration
}

// NewEconomyStrategy は EconomyStrategy を作成します。
func NewEconomyStrategy(client EconomyClient, interval time.Duration) *EconomyStrategy {
	return &EconomyStrategy{client: client, interval: interval}
}

// Type は計算種別を返します。
func (s *EconomyStrategy) Type() CalcType { return CalcTypeEconomy }

// Execute は経済計算APIを呼び出します。
// 改革案がない場合はベースライン同士の比較として送信します。
func (s *EconomyStrategy) Execute(ctx context.Context, params Params, meta Metadata) (*CalcStatus, error) {
	resp, err := s.client.CalculateEconomy(ctx, economyRequest(params))
	if err != nil {
		return nil, err
	}
	return s.TransformResponse(resp, meta), nil
}

// TransformResponse は経済計算APIのレスポンスを統一形式へ変換します。
func (s *EconomyStrategy) TransformResponse(resp *backend.EconomyResponse, meta Metadata) *CalcStatus {
	if resp == nil {
		return NewError(meta, errCodeEconomyFailed, "empty economy response", true)
	}
	status, ok := economyStatuses.lookup(resp.Status)
	if !ok {
		return NewError(meta, errCodeUnknownStatus, "unexpected economy status: "+resp.Status, false)
	}
	return queuedStatus(status, resp.Result, resp.ErrorMessage(), resp.QueuePosition, resp.AverageTime, meta, errCodeEconomyFailed)
}

// RefetchConfig はポーリング方針を返します。
func (s *EconomyStrategy) RefetchConfig() RefetchConfig {
	return pollWhileRunning(s.interval)
}

func economyRequest(params Params) backend.EconomyRequest {
	baseline := params.PolicyIDs.Baseline
	reform := params.PolicyIDs.Reform
	if reform == "" {
		reform = baseline
	}
	return backend.EconomyRequest{
		CountryID:        params.CountryID,
		ReformPolicyID:   reform,
		BaselinePolicyID: baseline,
		Region:           regionOrCountry(params),
		TimePeriod:       params.TimePeriod,
	}
}

// queuedStatus はキュー型バックエンド共通の変換処理です。
func queuedStatus(
	status Status,
	result []byte,
	errMsg string,
	queuePosition *int,
	averageTime *int64,
	meta Metadata,
	errCode string,
) *CalcStatus {
	switch status {
	case StatusComplete:
		if !hasResult(result) {
			return NewError(meta, errCode, "Calculation completed without a result", true)
		}
		return NewComplete(meta, result)
	case StatusError:
		if errMsg == "" {
			errMsg = "Calculation failed"
		}
		return NewError(meta, errCode, errMsg, true)
	}

	out := &CalcStatus{
		Status:   status,
		Message:  "Computing economy-wide impacts...",
		Metadata: meta,
	}
	if queuePosition != nil {
		out.QueuePosition = intPtr(*queuePosition)
		out.Message = fmt.Sprintf("Queue position %d", *queuePosition)
	}
	if averageTime != nil {
		out.EstimatedTimeRemaining = int64Ptr(*averageTime)
	}
	return out
}

// hasResult は結果が空や null でないかを返します。
func hasResult(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
