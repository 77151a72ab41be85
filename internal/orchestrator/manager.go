// Package orchestrator はレポート単位の計算の開始から永続化までを管理します。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/logger"
	"github.com/yourusername/policy-calc/internal/metrics"
)

const errCodeTimeout = "CALCULATION_TIMEOUT"

// ErrAlreadyRunning は同じ calcId の計算が既に管理中であることを示します。
var ErrAlreadyRunning = errors.New("calculation already running")

// Persister は完了した結果を書き戻します。
type Persister interface {
	Persist(ctx context.Context, status *calc.CalcStatus, countryID string) error
}

// RunInfo は実行中の計算のデバッグ情報です。
type RunInfo struct {
	CalcID     string          `json:"calcId"`
	CalcType   calc.CalcType   `json:"calcType"`
	TargetType calc.TargetType `json:"targetType"`
	StartedAt  time.Time       `json:"startedAt"`
	// RemoteInFlight はリモート計算の呼び出しが実行中かどうかです。
	RemoteInFlight bool `json:"remoteInFlight"`
}

type run struct {
	info   RunInfo
	cancel context.CancelFunc
}

// ManagerOptions は Manager の任意設定です。
type ManagerOptions struct {
	PollTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      logger.Logger
}

// Manager は calcId ごとの計算ライフサイクル（実行、ポーリング、永続化）を管理します。
// 同じ calcId の Start は実行中であれば ErrAlreadyRunning を返します。
type Manager struct {
	service     *calc.Service
	persister   Persister
	pollTimeout time.Duration
	metrics     *metrics.Metrics
	logger      logger.Logger

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// NewManager は Manager を作成します。
func NewManager(service *calc.Service, persister Persister, opts ManagerOptions) *Manager {
	return &Manager{
		service:     service,
		persister:   persister,
		pollTimeout: opts.PollTimeout,
		metrics:     opts.Metrics,
		logger:      logger.OrNop(opts.Logger),
		active:      make(map[string]*run),
	}
}

// Start は計算を実行し、終端状態まで追跡して、成功時は結果を永続化します。
// 計算自体の失敗は error 状態として返し、永続化や通信の失敗は error として返します。
// キャッシュに完了済みの状態があれば、再計算も永続化もせずにそれを返します。
func (m *Manager) Start(ctx context.Context, meta calc.Metadata) (*calc.CalcStatus, error) {
	runCtx, r, ok := m.claim(ctx, meta)
	if !ok {
		m.logger.Debug("Calculation already managed", logger.String("calc_id", meta.CalcID))
		return nil, ErrAlreadyRunning
	}
	defer m.release(meta.CalcID, r)

	log := m.logger.With(
		logger.String("calc_id", meta.CalcID),
		logger.String("calc_type", string(meta.CalcType)),
		logger.String("target_type", string(meta.TargetType)),
	)

	entry, err := m.service.Cache().Get(runCtx, meta.CalcID)
	if err != nil {
		return nil, fmt.Errorf("read status cache: %w", err)
	}
	if entry != nil && entry.Status != nil && entry.Status.Status == calc.StatusComplete {
		log.Info("Calculation already complete, skipping")
		return entry.Status, nil
	}

	log.Info("Calculation started")
	m.metrics.CalculationStarted(string(meta.CalcType))
	started := time.Now()

	status, err := m.drive(runCtx, meta)
	outcome := "error"
	if status != nil {
		outcome = string(status.Status)
	}
	m.metrics.CalculationFinished(string(meta.CalcType), outcome, time.Since(started))

	if err != nil {
		log.Error("Calculation failed", logger.Error(err))
		return status, err
	}
	if status.Status != calc.StatusComplete {
		log.Warn("Calculation finished with error status", logger.Any("error", status.Error))
		return status, nil
	}

	if err := m.persister.Persist(runCtx, status, meta.CountryID); err != nil {
		log.Error("Failed to persist calculation result", logger.Error(err))
		return status, err
	}
	if meta.CalcType == calc.CalcTypeHousehold {
		m.service.Forget(meta.CalcID)
	}
	log.Info("Calculation persisted")
	return status, nil
}

// drive は終端状態に到達するまで計算を進めます。
func (m *Manager) drive(ctx context.Context, meta calc.Metadata) (*calc.CalcStatus, error) {
	status, err := m.service.ExecuteCalculation(ctx, meta.CalcID, meta)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return status, nil
	}

	opts, err := m.service.QueryOptions(meta.CalcID, meta)
	if err != nil {
		return nil, err
	}
	final, err := calc.Watch(ctx, opts, calc.PollOptions{Timeout: m.pollTimeout})
	if errors.Is(err, calc.ErrPollTimeout) {
		return m.expire(ctx, meta, err)
	}
	if err != nil {
		return final, err
	}
	if final == nil || !final.IsTerminal() {
		return final, errors.New("polling stopped before a terminal status")
	}
	return final, nil
}

// expire はタイムアウトのエラー状態を書き込みます。
// 既に終端状態が書き込まれていれば、そちらを結果とします。
func (m *Manager) expire(ctx context.Context, meta calc.Metadata, cause error) (*calc.CalcStatus, error) {
	timedOut := calc.NewError(meta, errCodeTimeout, "Calculation did not finish in time", true)
	entry := calc.Entry{Status: timedOut, UpdatedAt: time.Now().UTC()}
	if strategy, err := m.service.Handler(meta.CalcType); err == nil {
		entry.Refetch = strategy.RefetchConfig().PolicyFor(timedOut)
	}

	existing, stored, err := m.service.Cache().SetUnlessTerminal(context.WithoutCancel(ctx), meta.CalcID, entry)
	if err != nil {
		return timedOut, errors.Join(cause, err)
	}
	if !stored && existing != nil {
		return existing.Status, nil
	}
	return timedOut, nil
}

func (m *Manager) claim(ctx context.Context, meta calc.Metadata) (context.Context, *run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[meta.CalcID]; ok {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		info: RunInfo{
			CalcID:     meta.CalcID,
			CalcType:   meta.CalcType,
			TargetType: meta.TargetType,
			StartedAt:  time.Now().UTC(),
		},
		cancel: cancel,
	}
	m.active[meta.CalcID] = r
	m.wg.Add(1)
	return runCtx, r, true
}

func (m *Manager) release(calcID string, r *run) {
	m.mu.Lock()
	if cur, ok := m.active[calcID]; ok && cur == r {
		delete(m.active, calcID)
	}
	m.mu.Unlock()
	r.cancel()
	m.wg.Done()
}

// IsRunning は calcId が管理中かどうかを返します。
func (m *Manager) IsRunning(calcID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[calcID]
	return ok
}

// Active は管理中の計算を開始時刻順に返します。
func (m *Manager) Active() []RunInfo {
	m.mu.Lock()
	out := make([]RunInfo, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r.info)
	}
	m.mu.Unlock()

	for i := range out {
		out[i].RemoteInFlight = m.service.InFlight(out[i].CalcID)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown は管理中の計算をすべてキャンセルし、終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.active {
		r.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.service.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
