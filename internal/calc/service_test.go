package calc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/policy-calc/internal/backend"
)

// blockingEconomyClient は release が閉じられるまで応答を返しません。
type blockingEconomyClient struct {
	calls   atomic.Int32
	release chan struct{}
	resp    *backend.EconomyResponse
}

func (b *blockingEconomyClient) CalculateEconomy(ctx context.Context, _ backend.EconomyRequest) (*backend.EconomyResponse, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return b.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type blockingHouseholdClient struct {
	calls   atomic.Int32
	release chan struct{}
	resp    *backend.HouseholdResponse
	err     error
}

func (b *blockingHouseholdClient) CalculateHousehold(_ context.Context, _ backend.HouseholdRequest) (*backend.HouseholdResponse, error) {
	b.calls.Add(1)
	<-b.release
	return b.resp, b.err
}

func newTestService(t *testing.T, strategies ...Strategy) (*Service, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	svc, err := NewService(cache, nil, strategies)
	require.NoError(t, err)
	return svc, cache
}

func householdMeta(calcID string) Metadata {
	return Metadata{
		CalcID:       calcID,
		CalcType:     CalcTypeHousehold,
		TargetType:   TargetSimulation,
		CountryID:    "us",
		PolicyIDs:    PolicyIDs{Baseline: "2"},
		PopulationID: "hh-1",
	}
}

func TestNewServiceRequiresGeographyStrategy(t *testing.T) {
	_, err := NewService(NewMemoryCache(), nil, []Strategy{NewHouseholdStrategy(nil, 0)})
	assert.ErrorIs(t, err, ErrUnknownCalcType)
}

func TestHandlerUnknownType(t *testing.T) {
	svc, _ := newTestService(t, NewEconomyStrategy(nil, 0))
	_, err := svc.Handler(CalcType("nope"))
	assert.ErrorIs(t, err, ErrUnknownCalcType)
}

func TestExecuteHouseholdReturnsSyntheticComputing(t *testing.T) {
	client := &blockingHouseholdClient{
		release: make(chan struct{}),
		resp:    &backend.HouseholdResponse{Status: "ok", Result: json.RawMessage(`{"net":1}`)},
	}
	svc, cache := newTestService(t, NewHouseholdStrategy(client, 0), NewEconomyStrategy(nil, 0))
	ctx := context.Background()

	status, err := svc.ExecuteCalculation(ctx, "sim-1", householdMeta("sim-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputing, status.Status)
	require.NotNil(t, status.Progress)
	assert.InDelta(t, 0, *status.Progress, 1)
	assert.Equal(t, "Initializing calculation...", status.Message)

	entry, err := cache.Get(ctx, "sim-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusComputing, entry.Status.Status)
	assert.True(t, entry.Refetch.Enabled)

	// 実行中の再実行は新しいリモート呼び出しをしない。
	again, err := svc.ExecuteCalculation(ctx, "sim-1", householdMeta("sim-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusComputing, again.Status)

	close(client.release)
	svc.Wait()

	assert.Equal(t, int32(1), client.calls.Load())

	entry, err = cache.Get(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, entry.Status.Status)
	assert.JSONEq(t, `{"net":1}`, string(entry.Status.Result))
	assert.False(t, entry.Refetch.Enabled)
	assert.Equal(t, NeverStale, entry.Refetch.StaleTime)

	tracked := svc.GetStatus("sim-1", CalcTypeHousehold)
	require.NotNil(t, tracked)
	assert.Equal(t, StatusComplete, tracked.Status)

	svc.Forget("sim-1")
	assert.Nil(t, svc.GetStatus("sim-1", CalcTypeHousehold))
}

func TestExecuteHouseholdTransportErrorBecomesErrorStatus(t *testing.T) {
	client := &blockingHouseholdClient{release: make(chan struct{}), err: errors.New("dial tcp: refused")}
	close(client.release)
	svc, cache := newTestService(t, NewHouseholdStrategy(client, 0), NewEconomyStrategy(nil, 0))

	_, err := svc.ExecuteCalculation(context.Background(), "sim-2", householdMeta("sim-2"))
	require.NoError(t, err)
	svc.Wait()

	entry, err := cache.Get(context.Background(), "sim-2")
	require.NoError(t, err)
	assert.Equal(t, StatusError, entry.Status.Status)
	assert.Equal(t, "dial tcp: refused", entry.Status.Error.Message)
}

func TestHouseholdSyntheticProgress(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	client := &blockingHouseholdClient{release: make(chan struct{}), resp: &backend.HouseholdResponse{Status: "ok"}}
	svc, err := NewService(NewMemoryCache(), nil,
		[]Strategy{NewHouseholdStrategy(client, 0), NewEconomyStrategy(nil, 0)},
		WithClock(clock))
	require.NoError(t, err)

	_, err = svc.ExecuteCalculation(context.Background(), "sim-3", householdMeta("sim-3"))
	require.NoError(t, err)

	mu.Lock()
	now = start.Add(30 * time.Second)
	mu.Unlock()
	mid := svc.GetStatus("sim-3", CalcTypeHousehold)
	require.NotNil(t, mid)
	assert.InDelta(t, 50, *mid.Progress, 0.001)
	assert.Equal(t, "Running policy simulation...", mid.Message)
	assert.Equal(t, int64(30000), *mid.EstimatedTimeRemaining)

	mu.Lock()
	now = start.Add(5 * time.Minute)
	mu.Unlock()
	late := svc.GetStatus("sim-3", CalcTypeHousehold)
	assert.InDelta(t, 95, *late.Progress, 0.001)
	assert.Equal(t, "Finalizing results...", late.Message)
	assert.Equal(t, int64(0), *late.EstimatedTimeRemaining)

	close(client.release)
	svc.Wait()
}

func TestExecuteEconomyStoresStatus(t *testing.T) {
	pos := 2
	client := &fakeEconomyClient{resp: &backend.EconomyResponse{Status: "pending", QueuePosition: &pos}}
	svc, cache := newTestService(t, NewEconomyStrategy(client, 0))

	status, err := svc.ExecuteCalculation(context.Background(), "report-1", economyMeta())
	require.NoError(t, err)
	assert.Equal(t, StatusComputing, status.Status)
	assert.Equal(t, "Queue position 2", status.Message)

	entry, err := cache.Get(context.Background(), "report-1")
	require.NoError(t, err)
	assert.Equal(t, status, entry.Status)
	assert.True(t, entry.Refetch.Enabled)

	assert.Nil(t, svc.GetStatus("report-1", CalcTypeEconomy))
}

func TestExecuteEconomyPropagatesError(t *testing.T) {
	boom := errors.New("502 bad gateway")
	svc, cache := newTestService(t, NewEconomyStrategy(&fakeEconomyClient{err: boom}, 0))

	_, err := svc.ExecuteCalculation(context.Background(), "report-2", economyMeta())
	assert.ErrorIs(t, err, boom)

	entry, err := cache.Get(context.Background(), "report-2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestExecuteEconomyConcurrentCallsShareOneRequest(t *testing.T) {
	client := &blockingEconomyClient{
		release: make(chan struct{}),
		resp:    &backend.EconomyResponse{Status: "ok", Result: json.RawMessage(`{"x":1}`)},
	}
	svc, _ := newTestService(t, NewEconomyStrategy(client, 0))

	const callers = 5
	results := make([]*CalcStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := svc.ExecuteCalculation(context.Background(), "report-3", economyMeta())
			assert.NoError(t, err)
			results[i] = status
		}(i)
	}

	require.Eventually(t, func() bool { return svc.registry.InFlight("report-3") }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(client.release)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	for _, status := range results {
		require.NotNil(t, status)
		assert.Equal(t, StatusComplete, status.Status)
	}
	assert.False(t, svc.registry.InFlight("report-3"))
}

func TestExecuteRequiresCalcID(t *testing.T) {
	svc, _ := newTestService(t, NewEconomyStrategy(nil, 0))
	_, err := svc.ExecuteCalculation(context.Background(), "", economyMeta())
	assert.True(t, IsInvalidInput(err))
}

func TestQueryOptions(t *testing.T) {
	client := &fakeEconomyClient{resp: &backend.EconomyResponse{Status: "computing"}}
	svc, _ := newTestService(t, NewEconomyStrategy(client, 0))

	opts, err := svc.QueryOptions("report-4", economyMeta())
	require.NoError(t, err)
	assert.Equal(t, []string{"calculation", "report-4"}, opts.Key)
	assert.Equal(t, NeverStale, opts.StaleTime)

	status, err := opts.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComputing, status.Status)
	assert.Len(t, client.reqs, 1)

	_, err = svc.QueryOptions("x", Metadata{CalcType: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownCalcType)
}

func TestHouseholdFetchDoesNotCallRemoteTwice(t *testing.T) {
	client := &blockingHouseholdClient{
		release: make(chan struct{}),
		resp:    &backend.HouseholdResponse{Status: "ok", Result: json.RawMessage(`{"net_income":1}`)},
	}
	svc, _ := newTestService(t, NewHouseholdStrategy(client, 0), NewEconomyStrategy(nil, 0))

	_, err := svc.ExecuteCalculation(context.Background(), "sim-5", householdMeta("sim-5"))
	require.NoError(t, err)

	opts, err := svc.QueryOptions("sim-5", householdMeta("sim-5"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		status, err := opts.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusComputing, status.Status)
	}

	close(client.release)
	svc.Wait()
	assert.Equal(t, int32(1), client.calls.Load())

	status, err := opts.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status.Status)
}

func TestBuildMetadata(t *testing.T) {
	svc, _ := newTestService(t, NewEconomyStrategy(nil, 0), NewHouseholdStrategy(nil, 0))

	_, err := svc.BuildMetadata(BuildParams{})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	assert.Equal(t, "Primary simulation is required", err.Error())

	sim := &Simulation{ID: "s1", CountryID: "us", PolicyID: "2", PopulationType: PopulationHousehold}
	_, err = svc.BuildMetadata(BuildParams{Simulation1: sim})
	assert.Equal(t, "Household ID required for household calculation", err.Error())

	meta, err := svc.BuildMetadata(BuildParams{
		CalcID:      "s1",
		TargetType:  TargetSimulation,
		Simulation1: sim,
		Household:   &Household{ID: "hh-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, CalcTypeHousehold, meta.CalcType)
	assert.Equal(t, "hh-7", meta.PopulationID)
	assert.Equal(t, "us", meta.CountryID)
	assert.Equal(t, "2", meta.PolicyIDs.Baseline)

	geoSim := &Simulation{ID: "s2", CountryID: "us", PolicyID: "2", PopulationType: PopulationGeography}
	_, err = svc.BuildMetadata(BuildParams{Simulation1: geoSim})
	assert.Equal(t, "Geography required for economy calculation", err.Error())

	national, err := svc.BuildMetadata(BuildParams{
		Simulation1: geoSim,
		Simulation2: &Simulation{PolicyID: "8"},
		Geography:   &Geography{ID: "us", CountryID: "us", Scope: ScopeNational},
	})
	require.NoError(t, err)
	assert.Equal(t, CalcTypeEconomy, national.CalcType)
	assert.Empty(t, national.Region)
	assert.Equal(t, "us", national.EffectiveRegion())
	assert.Equal(t, "8", national.PolicyIDs.Reform)

	sub, err := svc.BuildMetadata(BuildParams{
		Simulation1: geoSim,
		Geography:   &Geography{ID: "state/ca", CountryID: "us", Scope: ScopeSubnational},
	})
	require.NoError(t, err)
	assert.Equal(t, "state/ca", sub.Region)
}

func TestBuildMetadataGeographyBackend(t *testing.T) {
	svc, err := NewService(NewMemoryCache(), nil,
		[]Strategy{NewSocietyWideStrategy(nil, 0)},
		WithGeographyCalcType(CalcTypeSocietyWide))
	require.NoError(t, err)

	meta, err := svc.BuildMetadata(BuildParams{
		Simulation1: &Simulation{PolicyID: "1", PopulationType: PopulationGeography},
		Geography:   &Geography{ID: "uk", Scope: ScopeNational},
		CountryID:   "uk",
	})
	require.NoError(t, err)
	assert.Equal(t, CalcTypeSocietyWide, meta.CalcType)
	assert.Equal(t, "uk", meta.CountryID)
}
