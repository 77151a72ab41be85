// Package backend はリモート計算APIとエンティティAPIのクライアントを提供します。
package backend

import (
	"github.com/goccy/go-json"
)

// HouseholdRequest は世帯計算のリクエストです。
type HouseholdRequest struct {
	CountryID    string
	PolicyID     string
	PopulationID string
}

// HouseholdResponse は世帯計算APIのレスポンスです。status は "ok" または "error" です。
type HouseholdResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"message,omitempty"`
}

// EconomyRequest は経済計算・社会全体計算のリクエストです。
type EconomyRequest struct {
	CountryID        string
	ReformPolicyID   string
	BaselinePolicyID string
	Region           string
	TimePeriod       string
	Dataset          string
}

// EconomyResponse はキュー型の経済計算APIのレスポンスです。
type EconomyResponse struct {
	Status        string          `json:"status"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	AverageTime   *int64          `json:"average_time,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// SocietyWideResponse は社会全体計算APIのレスポンスです。
type SocietyWideResponse struct {
	Status        string          `json:"status"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	AverageTime   *int64          `json:"average_time,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ErrorMessage はエラー内容を返します。error キーがなければ message を使います。
func (r *EconomyResponse) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// ErrorMessage はエラー内容を返します。error キーがなければ message を使います。
func (r *SocietyWideResponse) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// ReportStatus はレポートの状態です。
type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportComplete ReportStatus = "complete"
	ReportError    ReportStatus = "error"
)

// ReportPayload はレポート完了時に書き戻す内容です。
type ReportPayload struct {
	ID     string          `json:"id"`
	Status ReportStatus    `json:"status"`
	Output json.RawMessage `json:"output"`
}

// SimulationPayload はシミュレーション出力の書き戻し内容です。
type SimulationPayload struct {
	ID     string          `json:"id"`
	Status ReportStatus    `json:"status"`
	Output json.RawMessage `json:"output"`
}

// ReportRecord はエンティティAPIが返すレポートです。
type ReportRecord struct {
	ID            string          `json:"id"`
	CountryID     string          `json:"country_id"`
	Simulation1ID string          `json:"simulation_1_id"`
	Simulation2ID string          `json:"simulation_2_id,omitempty"`
	Status        ReportStatus    `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
}

// SimulationRecord はエンティティAPIが返すシミュレーションです。
type SimulationRecord struct {
	ID             string          `json:"id"`
	CountryID      string          `json:"country_id"`
	PolicyID       string          `json:"policy_id"`
	PopulationID   string          `json:"population_id"`
	PopulationType string          `json:"population_type"`
	Status         ReportStatus    `json:"status,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
}

// envelope はエンティティAPI共通のレスポンス形式です。
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}
