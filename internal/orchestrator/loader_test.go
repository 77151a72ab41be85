package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/jobs"
	"github.com/yourusername/policy-calc/internal/persist"
)

type stubEntityAPI struct {
	reports     map[string]*backend.ReportRecord
	simulations map[string]*backend.SimulationRecord
	fetches     int
}

func (s *stubEntityAPI) FetchReport(_ context.Context, _, reportID string) (*backend.ReportRecord, error) {
	s.fetches++
	r, ok := s.reports[reportID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return r, nil
}

func (s *stubEntityAPI) FetchSimulation(_ context.Context, _, simulationID string) (*backend.SimulationRecord, error) {
	s.fetches++
	sim, ok := s.simulations[simulationID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return sim, nil
}

// mapEntityCache は JSON を経由して保存するテスト用キャッシュです。
type mapEntityCache struct {
	data map[string][]byte
}

func (m *mapEntityCache) Get(_ context.Context, key []string, dst any) (bool, error) {
	raw, ok := m.data[keyString(key)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *mapEntityCache) Set(_ context.Context, key []string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[keyString(key)] = raw
	return nil
}

func keyString(key []string) string {
	out := ""
	for _, k := range key {
		out += k + "/"
	}
	return out
}

func TestBuildInputGeography(t *testing.T) {
	in := buildInput(
		&backend.ReportRecord{ID: "r-1", CountryID: "us"},
		[]*backend.SimulationRecord{
			{ID: "s-1", CountryID: "us", PolicyID: "2", PopulationID: "state/ny", PopulationType: "geography"},
		},
	)
	require.Len(t, in.Simulations, 1)
	require.NotNil(t, in.Geography)
	assert.Equal(t, calc.ScopeSubnational, in.Geography.Scope)
	assert.Equal(t, "state/ny", in.Geography.ID)

	national := buildInput(
		&backend.ReportRecord{ID: "r-2", CountryID: "uk"},
		[]*backend.SimulationRecord{{ID: "s-1", CountryID: "uk", PopulationID: "uk", PopulationType: "geography"}},
	)
	assert.Equal(t, calc.ScopeNational, national.Geography.Scope)
}

func TestLoaderRunReportUsesEntityCache(t *testing.T) {
	env := newTestEnv(t, nil)
	api := &stubEntityAPI{
		reports: map[string]*backend.ReportRecord{
			"r-1": {ID: "r-1", CountryID: "us", Simulation1ID: "s-1", Simulation2ID: "s-2"},
		},
		simulations: map[string]*backend.SimulationRecord{
			"s-1": {ID: "s-1", CountryID: "us", PolicyID: "2", PopulationID: "hh-1", PopulationType: "household"},
			"s-2": {ID: "s-2", CountryID: "us", PolicyID: "3", PopulationID: "hh-1", PopulationType: "household"},
		},
	}
	loader := NewLoader(api, &mapEntityCache{data: map[string][]byte{}}, env.orch, env.cache, nil)

	require.NoError(t, loader.RunReport(context.Background(), "us", "r-1"))
	assert.Equal(t, 3, api.fetches)
	assert.Equal(t, []string{"s-1", "s-2"}, env.persister.calcIDs())

	_, _, err := loader.load(context.Background(), "us", "r-1")
	require.NoError(t, err)
	assert.Equal(t, 3, api.fetches, "second load is served from the entity cache")
}

func TestLoaderHydrateReport(t *testing.T) {
	env := newTestEnv(t, nil)
	api := &stubEntityAPI{
		reports: map[string]*backend.ReportRecord{
			"r-2": {ID: "r-2", CountryID: "us", Simulation1ID: "s-1", Output: json.RawMessage(`{"budget":1}`)},
		},
		simulations: map[string]*backend.SimulationRecord{
			"s-1": {ID: "s-1", CountryID: "us", PolicyID: "2", PopulationID: "us", PopulationType: "geography"},
		},
	}
	loader := NewLoader(api, nil, env.orch, env.cache, nil)

	n, err := loader.HydrateReport(context.Background(), "us", "r-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := env.cache.Get(context.Background(), "r-2")
	require.NoError(t, err)
	assert.Equal(t, calc.StatusComplete, entry.Status.Status)

	_, err = loader.HydrateReport(context.Background(), "us", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

type countingSocietyWideClient struct {
	calls atomic.Int32
}

func (c *countingSocietyWideClient) CalculateSocietyWide(_ context.Context, _ backend.EconomyRequest) (*backend.SocietyWideResponse, error) {
	c.calls.Add(1)
	return &backend.SocietyWideResponse{Status: "complete", Result: json.RawMessage(`{"budget":2}`)}, nil
}

func TestLoaderRunReportSkipsHydratedSocietyWideReport(t *testing.T) {
	cache := calc.NewMemoryCache()
	client := &countingSocietyWideClient{}
	svc, err := calc.NewService(cache, nil,
		[]calc.Strategy{calc.NewSocietyWideStrategy(client, time.Millisecond)},
		calc.WithGeographyCalcType(calc.CalcTypeSocietyWide))
	require.NoError(t, err)
	persister := &recordingPersister{}
	manager := NewManager(svc, persister, ManagerOptions{PollTimeout: time.Second})

	api := &stubEntityAPI{
		reports: map[string]*backend.ReportRecord{
			"r-5": {ID: "r-5", CountryID: "us", Simulation1ID: "s-1", Output: json.RawMessage(`{"budget":1}`)},
		},
		simulations: map[string]*backend.SimulationRecord{
			"s-1": {ID: "s-1", CountryID: "us", PolicyID: "2", PopulationID: "us", PopulationType: "geography"},
		},
	}
	loader := NewLoader(api, nil, New(svc, manager, nil), cache, nil)

	n, err := loader.HydrateReport(context.Background(), "us", "r-5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := cache.Get(context.Background(), "r-5")
	require.NoError(t, err)
	assert.Equal(t, calc.CalcTypeSocietyWide, entry.Status.Metadata.CalcType)

	require.NoError(t, loader.RunReport(context.Background(), "us", "r-5"))
	assert.Zero(t, client.calls.Load(), "hydrated report is not recomputed")
	assert.Empty(t, persister.calcIDs())
}

func geographyReportAPI(reportID string) *stubEntityAPI {
	return &stubEntityAPI{
		reports: map[string]*backend.ReportRecord{
			reportID: {ID: reportID, CountryID: "us", Simulation1ID: "s-1"},
		},
		simulations: map[string]*backend.SimulationRecord{
			"s-1": {ID: "s-1", CountryID: "us", PolicyID: "2", PopulationID: "us", PopulationType: "geography"},
		},
	}
}

func TestLoaderRunReportMarksPersistFailurePermanent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.persister.err = &persist.PersistError{Target: calc.TargetReport, Err: errBoom}
	loader := NewLoader(geographyReportAPI("r-6"), nil, env.orch, env.cache, nil)

	err := loader.RunReport(context.Background(), "us", "r-6")
	assert.ErrorIs(t, err, jobs.ErrPermanent)
	assert.ErrorIs(t, err, errBoom)

	err = loader.RunReport(context.Background(), "us", "missing")
	assert.ErrorIs(t, err, jobs.ErrPermanent)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestLoaderRunReportLeavesTransientFailureRetryable(t *testing.T) {
	env := newTestEnv(t, &stubEconomyClient{err: errBoom})
	loader := NewLoader(geographyReportAPI("r-7"), nil, env.orch, env.cache, nil)

	err := loader.RunReport(context.Background(), "us", "r-7")
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, jobs.ErrPermanent)
}
