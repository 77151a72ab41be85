package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/logger"
)

// Report は計算対象のレポートです。
type Report struct {
	ID        string
	CountryID string
}

// ReportInput はレポート計算の開始に必要なドメインオブジェクト一式です。
type ReportInput struct {
	Report Report
	// Simulations の先頭が主シミュレーション、2番目が改革案です。
	Simulations []*calc.Simulation
	// Households は populationId をキーにした世帯です。
	Households map[string]*calc.Household
	Geography  *calc.Geography
}

// Orchestrator はレポートから開始する計算の数と対象を決めます。
type Orchestrator struct {
	service *calc.Service
	manager *Manager
	logger  logger.Logger
}

// New は Orchestrator を作成します。
func New(service *calc.Service, manager *Manager, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		service: service,
		manager: manager,
		logger:  logger.OrNop(log),
	}
}

// Manager は計算のライフサイクル管理を返します。
func (o *Orchestrator) Manager() *Manager {
	return o.manager
}

// StartReport はレポートの計算を開始し、すべて終わるまで待ちます。
//
// 世帯レポートはシミュレーションごとに1つずつ順番に計算し、
// それ以外のレポートはベースラインと改革案の比較として1回だけ計算します。
func (o *Orchestrator) StartReport(ctx context.Context, in ReportInput) error {
	primary := primarySimulation(in.Simulations)
	if primary == nil {
		o.logger.Warn("Report has no primary simulation, skipping calculation",
			logger.String("report_id", in.Report.ID),
		)
		return nil
	}

	if primary.PopulationType == calc.PopulationHousehold {
		return o.startHouseholdReport(ctx, in)
	}
	return o.startEconomyReport(ctx, in, primary)
}

func (o *Orchestrator) startHouseholdReport(ctx context.Context, in ReportInput) error {
	for _, sim := range in.Simulations {
		if sim == nil {
			continue
		}
		meta, err := o.service.BuildMetadata(calc.BuildParams{
			CalcID:         sim.ID,
			TargetType:     calc.TargetSimulation,
			ReportID:       in.Report.ID,
			CountryID:      in.Report.CountryID,
			Simulation1:    sim,
			PopulationType: calc.PopulationHousehold,
			Household:      in.Households[sim.PopulationID],
		})
		if err != nil {
			return fmt.Errorf("simulation %s: %w", sim.ID, err)
		}
		if _, err := o.manager.Start(ctx, meta); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				o.logger.Info("Simulation calculation already running", logger.String("simulation_id", sim.ID))
				continue
			}
			return fmt.Errorf("simulation %s: %w", sim.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) startEconomyReport(ctx context.Context, in ReportInput, primary *calc.Simulation) error {
	var reform *calc.Simulation
	if len(in.Simulations) > 1 {
		reform = in.Simulations[1]
	}
	meta, err := o.service.BuildMetadata(calc.BuildParams{
		CalcID:         in.Report.ID,
		TargetType:     calc.TargetReport,
		CountryID:      in.Report.CountryID,
		Simulation1:    primary,
		Simulation2:    reform,
		PopulationType: primary.PopulationType,
		Geography:      in.Geography,
	})
	if err != nil {
		return fmt.Errorf("report %s: %w", in.Report.ID, err)
	}
	if _, err := o.manager.Start(ctx, meta); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			o.logger.Info("Report calculation already running", logger.String("report_id", in.Report.ID))
			return nil
		}
		return fmt.Errorf("report %s: %w", in.Report.ID, err)
	}
	return nil
}

func primarySimulation(sims []*calc.Simulation) *calc.Simulation {
	if len(sims) == 0 {
		return nil
	}
	return sims[0]
}
