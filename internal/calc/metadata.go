package calc

import (
	"github.com/goccy/go-json"
)

// PopulationType はシミュレーションの対象集団の種別です。
type PopulationType string

const (
	PopulationHousehold PopulationType = "household"
	PopulationGeography PopulationType = "geography"
)

// GeographyScope は地域の範囲です。
type GeographyScope string

const (
	ScopeNational    GeographyScope = "national"
	ScopeSubnational GeographyScope = "subnational"
)

// Simulation はポリシーと対象集団の組み合わせです。
type Simulation struct {
	ID             string          `json:"id"`
	CountryID      string          `json:"countryId"`
	PolicyID       string          `json:"policyId"`
	PopulationID   string          `json:"populationId"`
	PopulationType PopulationType  `json:"populationType"`
	Output         json.RawMessage `json:"output,omitempty"`
}

// Household は世帯計算の対象世帯です。
type Household struct {
	ID        string `json:"id"`
	CountryID string `json:"countryId"`
}

// Geography は経済計算の対象地域です。
type Geography struct {
	ID        string         `json:"geographyId"`
	CountryID string         `json:"countryId"`
	Scope     GeographyScope `json:"scope"`
}

// BuildParams はメタデータ構築の入力です。
type BuildParams struct {
	CalcID     string
	TargetType TargetType
	ReportID   string
	CountryID  string

	Simulation1    *Simulation
	Simulation2    *Simulation
	PopulationType PopulationType
	Household      *Household
	Geography      *Geography
}

// BuildMetadata はドメインオブジェクトから計算メタデータを組み立てます。
// 前提条件を満たさない場合は InvalidInputError を返します。
func (s *Service) BuildMetadata(params BuildParams) (Metadata, error) {
	if params.Simulation1 == nil {
		return Metadata{}, invalidInput("Primary simulation is required")
	}

	populationType := params.PopulationType
	if populationType == "" {
		populationType = params.Simulation1.PopulationType
	}

	countryID := params.CountryID
	if countryID == "" {
		countryID = params.Simulation1.CountryID
	}

	meta := Metadata{
		CalcID:     params.CalcID,
		TargetType: params.TargetType,
		ReportID:   params.ReportID,
		CountryID:  countryID,
		PolicyIDs: PolicyIDs{
			Baseline: params.Simulation1.PolicyID,
		},
		StartedAt: s.now(),
	}
	if params.Simulation2 != nil {
		meta.PolicyIDs.Reform = params.Simulation2.PolicyID
	}

	if populationType == PopulationHousehold {
		if params.Household == nil {
			return Metadata{}, invalidInput("Household ID required for household calculation")
		}
		meta.CalcType = CalcTypeHousehold
		meta.PopulationID = params.Household.ID
		return meta, nil
	}

	if params.Geography == nil {
		return Metadata{}, invalidInput("Geography required for economy calculation")
	}
	meta.CalcType = s.geographyType
	meta.PopulationID = params.Geography.ID
	if params.Geography.Scope == ScopeSubnational {
		meta.Region = params.Geography.ID
	}
	return meta, nil
}
