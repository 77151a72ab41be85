// Package calc は政策シミュレーション計算の実行・状態管理を提供します。
package calc

import (
	"time"

	"github.com/goccy/go-json"
)

// CalcType は計算の種別（どのバックエンドで計算するか）を表します。
type CalcType string

const (
	CalcTypeHousehold   CalcType = "household"
	CalcTypeEconomy     CalcType = "economy"
	CalcTypeSocietyWide CalcType = "societyWide"
)

// TargetType は計算結果を書き戻すエンティティの種別です。
type TargetType string

const (
	TargetSimulation TargetType = "simulation"
	TargetReport     TargetType = "report"
)

// Status は計算の進行状態です。
type Status string

const (
	StatusComputing Status = "computing"
	StatusPending   Status = "pending"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// IsTerminal は完了またはエラーかどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// PolicyIDs は比較するベースライン/改革案のポリシーIDです。
type PolicyIDs struct {
	Baseline string `json:"baseline"`
	Reform   string `json:"reform,omitempty"`
}

// Metadata は1回の計算を表す不変の記述子です。
type Metadata struct {
	CalcID       string     `json:"calcId"`
	CalcType     CalcType   `json:"calcType"`
	TargetType   TargetType `json:"targetType"`
	CountryID    string     `json:"countryId,omitempty"`
	PolicyIDs    PolicyIDs  `json:"policyIds"`
	PopulationID string     `json:"populationId,omitempty"`
	Region       string     `json:"region,omitempty"`
	// ReportID はシミュレーション単位の計算で親レポートを指します。
	ReportID  string    `json:"reportId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// EffectiveRegion は未指定時に国IDへフォールバックした地域を返します。
func (m Metadata) EffectiveRegion() string {
	if m.Region == "" {
		return m.CountryID
	}
	return m.Region
}

// Params はストラテジーがリクエストを組み立てるための入力です。
type Params struct {
	CountryID    string    `json:"countryId"`
	PolicyIDs    PolicyIDs `json:"policyIds"`
	PopulationID string    `json:"populationId"`
	Region       string    `json:"region,omitempty"`
	TimePeriod   string    `json:"timePeriod,omitempty"`
}

// ParamsFromMetadata はメタデータからリクエスト入力を組み立てます。
func ParamsFromMetadata(meta Metadata, timePeriod string) Params {
	return Params{
		CountryID:    meta.CountryID,
		PolicyIDs:    meta.PolicyIDs,
		PopulationID: meta.PopulationID,
		Region:       meta.Region,
		TimePeriod:   timePeriod,
	}
}

// ErrorInfo は計算失敗時のエラー情報です。
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CalcStatus はバックエンドに依存しない計算状態のスナップショットです。
// Result は complete のときだけ、Error は error のときだけ設定されます。
type CalcStatus struct {
	Status                 Status          `json:"status"`
	Result                 json.RawMessage `json:"result,omitempty"`
	Error                  *ErrorInfo      `json:"error,omitempty"`
	Progress               *float64        `json:"progress,omitempty"`
	Message                string          `json:"message,omitempty"`
	QueuePosition          *int            `json:"queuePosition,omitempty"`
	EstimatedTimeRemaining *int64          `json:"estimatedTimeRemaining,omitempty"`
	Metadata               Metadata        `json:"metadata"`
}

// IsTerminal は状態が終端かどうかを返します。
func (s *CalcStatus) IsTerminal() bool {
	return s != nil && s.Status.IsTerminal()
}

// Clone はスライス・ポインタを含めて複製します。
func (s *CalcStatus) Clone() *CalcStatus {
	if s == nil {
		return nil
	}
	out := *s
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	if s.QueuePosition != nil {
		q := *s.QueuePosition
		out.QueuePosition = &q
	}
	if s.EstimatedTimeRemaining != nil {
		e := *s.EstimatedTimeRemaining
		out.EstimatedTimeRemaining = &e
	}
	return &out
}

// NewComplete は完了状態を作成します。
func NewComplete(meta Metadata, result json.RawMessage) *CalcStatus {
	return &CalcStatus{
		Status:   StatusComplete,
		Result:   result,
		Metadata: meta,
	}
}

// NewError はエラー状態を作成します。
func NewError(meta Metadata, code, message string, retryable bool) *CalcStatus {
	return &CalcStatus{
		Status: StatusError,
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
		Metadata: meta,
	}
}

// NeverStale は完了した計算のキャッシュが失効しないことを表す staleTime です。
const NeverStale = time.Duration(1<<63 - 1)

// DefaultRefetchInterval は計算中のポーリング間隔です。
const DefaultRefetchInterval = time.Second

// RefetchConfig はストラテジーが指定するポーリング方針です。
type RefetchConfig struct {
	// Interval は現在の状態から次のポーリング間隔を求めます。false の場合はポーリング停止です。
	Interval  func(status *CalcStatus) (time.Duration, bool)
	StaleTime time.Duration
}

// RefetchPolicy はキャッシュエントリに保存されるポーリング方針です。
// Enabled が false ならポーリングは停止しています。
type RefetchPolicy struct {
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	StaleTime time.Duration `json:"staleTime"`
}

// PolicyFor は状態に対するキャッシュエントリの方針を求めます。
// 終端状態では常にポーリング停止になります。
func (c RefetchConfig) PolicyFor(status *CalcStatus) RefetchPolicy {
	policy := RefetchPolicy{StaleTime: c.StaleTime}
	if status.IsTerminal() || c.Interval == nil {
		return policy
	}
	policy.Interval, policy.Enabled = c.Interval(status)
	return policy
}

// Entry はステータスキャッシュの1エントリです。
type Entry struct {
	Status    *CalcStatus   `json:"status"`
	Refetch   RefetchPolicy `json:"refetch"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func float64Ptr(v float64) *float64 { return &v }
func intPtr(v int) *int             { return &v }
func int64Ptr(v int64) *int64       { return &v }
