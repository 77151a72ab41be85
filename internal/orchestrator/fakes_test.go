package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
)

type stubEconomyClient struct {
	calls     atomic.Int32
	responses []*backend.EconomyResponse
	err       error
	reqs      chan backend.EconomyRequest
	gate      chan struct{}
}

func (s *stubEconomyClient) CalculateEconomy(_ context.Context, req backend.EconomyRequest) (*backend.EconomyResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if s.reqs != nil {
		s.reqs <- req
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	return s.responses[n], nil
}

type stubHouseholdClient struct {
	mu    sync.Mutex
	order []string
	gate  chan struct{}
}

func (s *stubHouseholdClient) CalculateHousehold(_ context.Context, req backend.HouseholdRequest) (*backend.HouseholdResponse, error) {
	s.mu.Lock()
	s.order = append(s.order, req.PolicyID)
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	return &backend.HouseholdResponse{
		Status: "ok",
		Result: json.RawMessage(`{"policy":"` + req.PolicyID + `"}`),
	}, nil
}

func (s *stubHouseholdClient) policies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type recordingPersister struct {
	mu       sync.Mutex
	statuses []*calc.CalcStatus
	err      error
}

func (p *recordingPersister) Persist(_ context.Context, status *calc.CalcStatus, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return p.err
}

func (p *recordingPersister) calcIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.statuses))
	for _, s := range p.statuses {
		ids = append(ids, s.Metadata.CalcID)
	}
	return ids
}

type testEnv struct {
	service   *calc.Service
	cache     *calc.MemoryCache
	economy   *stubEconomyClient
	household *stubHouseholdClient
	persister *recordingPersister
	manager   *Manager
	orch      *Orchestrator
}

func newTestEnv(t *testing.T, economy *stubEconomyClient) *testEnv {
	t.Helper()
	if economy == nil {
		economy = &stubEconomyClient{responses: []*backend.EconomyResponse{{Status: "ok", Result: json.RawMessage(`{}`)}}}
	}
	household := &stubHouseholdClient{}
	cache := calc.NewMemoryCache()
	svc, err := calc.NewService(cache, nil, []calc.Strategy{
		calc.NewHouseholdStrategy(household, time.Millisecond),
		calc.NewEconomyStrategy(economy, time.Millisecond),
	})
	require.NoError(t, err)

	persister := &recordingPersister{}
	manager := NewManager(svc, persister, ManagerOptions{PollTimeout: time.Second})
	return &testEnv{
		service:   svc,
		cache:     cache,
		economy:   economy,
		household: household,
		persister: persister,
		manager:   manager,
		orch:      New(svc, manager, nil),
	}
}

var errBoom = errors.New("boom")
