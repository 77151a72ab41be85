package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/hydrate"
	"github.com/yourusername/policy-calc/internal/jobs"
	"github.com/yourusername/policy-calc/internal/logger"
	"github.com/yourusername/policy-calc/internal/persist"
)

// EntityAPI はエンティティAPIからの読み込みです。
type EntityAPI interface {
	FetchReport(ctx context.Context, countryID, reportID string) (*backend.ReportRecord, error)
	FetchSimulation(ctx context.Context, countryID, simulationID string) (*backend.SimulationRecord, error)
}

// EntityCache はエンティティのキャッシュです。
type EntityCache interface {
	Get(ctx context.Context, key []string, dst any) (bool, error)
	Set(ctx context.Context, key []string, value any) error
}

// Loader はエンティティをキャッシュ経由で読み込み、計算や復元へ渡します。
type Loader struct {
	api          EntityAPI
	cache        EntityCache
	orchestrator *Orchestrator
	statuses     calc.StatusCache
	logger       logger.Logger
}

// NewLoader は Loader を作成します。cache は nil でも構いません。
func NewLoader(api EntityAPI, cache EntityCache, orch *Orchestrator, statuses calc.StatusCache, log logger.Logger) *Loader {
	return &Loader{
		api:          api,
		cache:        cache,
		orchestrator: orch,
		statuses:     statuses,
		logger:       logger.OrNop(log),
	}
}

// RunReport はレポートを読み込んで計算を最後まで実行します。
func (l *Loader) RunReport(ctx context.Context, countryID, reportID string) error {
	report, sims, err := l.load(ctx, countryID, reportID)
	if err != nil {
		return markPermanent(err)
	}
	return markPermanent(l.orchestrator.StartReport(ctx, buildInput(report, sims)))
}

// markPermanent は再実行しても結果が変わらない失敗に jobs.ErrPermanent を付けます。
// 永続化の失敗は Persister 側で1回再試行済みです。
func markPermanent(err error) error {
	if err == nil {
		return nil
	}
	var persistErr *persist.PersistError
	switch {
	case errors.As(err, &persistErr),
		errors.Is(err, persist.ErrMissingResult),
		errors.Is(err, backend.ErrNotFound),
		calc.IsInvalidInput(err):
		return fmt.Errorf("%w: %w", err, jobs.ErrPermanent)
	}
	return err
}

// HydrateReport は永続化済みの出力からステータスキャッシュを復元します。
func (l *Loader) HydrateReport(ctx context.Context, countryID, reportID string) (int, error) {
	report, sims, err := l.load(ctx, countryID, reportID)
	if err != nil {
		return 0, err
	}
	h := hydrate.New(l.statuses,
		hydrate.WithLogger(l.logger),
		hydrate.WithGeographyCalcType(l.orchestrator.service.GeographyCalcType()),
	)
	return h.HydrateReport(ctx, report, sims)
}

func (l *Loader) load(ctx context.Context, countryID, reportID string) (*backend.ReportRecord, []*backend.SimulationRecord, error) {
	report, err := l.report(ctx, countryID, reportID)
	if err != nil {
		return nil, nil, err
	}

	sims := make([]*backend.SimulationRecord, 0, 2)
	for _, id := range []string{report.Simulation1ID, report.Simulation2ID} {
		if id == "" {
			continue
		}
		sim, err := l.simulation(ctx, countryID, id)
		if err != nil {
			return nil, nil, err
		}
		sims = append(sims, sim)
	}
	return report, sims, nil
}

func (l *Loader) report(ctx context.Context, countryID, reportID string) (*backend.ReportRecord, error) {
	var cached backend.ReportRecord
	if l.readCache(ctx, jobs.ReportKey(reportID), &cached) {
		return &cached, nil
	}
	report, err := l.api.FetchReport(ctx, countryID, reportID)
	if err != nil {
		return nil, fmt.Errorf("fetch report %s: %w", reportID, err)
	}
	l.writeCache(ctx, jobs.ReportKey(reportID), report)
	return report, nil
}

func (l *Loader) simulation(ctx context.Context, countryID, simulationID string) (*backend.SimulationRecord, error) {
	var cached backend.SimulationRecord
	if l.readCache(ctx, jobs.SimulationKey(simulationID), &cached) {
		return &cached, nil
	}
	sim, err := l.api.FetchSimulation(ctx, countryID, simulationID)
	if err != nil {
		return nil, fmt.Errorf("fetch simulation %s: %w", simulationID, err)
	}
	l.writeCache(ctx, jobs.SimulationKey(simulationID), sim)
	return sim, nil
}

// readCache はキャッシュの障害を読み込み失敗として扱わず、APIへフォールバックします。
func (l *Loader) readCache(ctx context.Context, key []string, dst any) bool {
	if l.cache == nil {
		return false
	}
	found, err := l.cache.Get(ctx, key, dst)
	if err != nil {
		l.logger.Warn("Entity cache read failed", logger.Any("key", key), logger.Error(err))
		return false
	}
	return found
}

func (l *Loader) writeCache(ctx context.Context, key []string, value any) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, key, value); err != nil {
		l.logger.Warn("Entity cache write failed", logger.Any("key", key), logger.Error(err))
	}
}

// buildInput はエンティティからドメイン入力を組み立てます。
// 地域IDが国IDと同じなら全国、それ以外は地方として扱います。
func buildInput(report *backend.ReportRecord, records []*backend.SimulationRecord) ReportInput {
	in := ReportInput{
		Report:     Report{ID: report.ID, CountryID: report.CountryID},
		Households: make(map[string]*calc.Household),
	}
	for _, rec := range records {
		sim := &calc.Simulation{
			ID:             rec.ID,
			CountryID:      rec.CountryID,
			PolicyID:       rec.PolicyID,
			PopulationID:   rec.PopulationID,
			PopulationType: calc.PopulationType(rec.PopulationType),
			Output:         rec.Output,
		}
		in.Simulations = append(in.Simulations, sim)

		switch sim.PopulationType {
		case calc.PopulationHousehold:
			in.Households[rec.PopulationID] = &calc.Household{ID: rec.PopulationID, CountryID: rec.CountryID}
		case calc.PopulationGeography:
			if in.Geography == nil {
				scope := calc.ScopeSubnational
				if rec.PopulationID == rec.CountryID {
					scope = calc.ScopeNational
				}
				in.Geography = &calc.Geography{ID: rec.PopulationID, CountryID: rec.CountryID, Scope: scope}
			}
		}
	}
	return in
}
