package calc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yourusername/policy-calc/internal/logger"
)

const householdEstimatedDuration = 60 * time.Second

// QueryOptions はステータスキャッシュのポーリングに必要な情報一式です。
type QueryOptions struct {
	Key    []string
	CalcID string
	// Fetch は次のポーリングで呼ばれる取得処理です。
	Fetch func(ctx context.Context) (*CalcStatus, error)
	// Current はキャッシュ上の最新状態を読み出します。
	Current   func(ctx context.Context) (*CalcStatus, error)
	Refetch   RefetchConfig
	StaleTime time.Duration
}

// householdRun は世帯計算の進行をローカルに追跡します。
type householdRun struct {
	meta      Metadata
	startedAt time.Time
	final     *CalcStatus
}

// Service は計算の実行と状態取得を担当します。
type Service struct {
	strategies    map[CalcType]Strategy
	cache         StatusCache
	registry      *Registry
	logger        logger.Logger
	now           func() time.Time
	timePeriod    string
	geographyType CalcType

	// wg はバックグラウンドで走る世帯計算を待つために使います。
	wg        sync.WaitGroup
	mu        sync.Mutex
	household map[string]*householdRun
}

// ServiceOption は Service の設定を変更します。
type ServiceOption func(*Service)

// WithLogger はロガーを設定します。
func WithLogger(l logger.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger.OrNop(l) }
}

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithTimePeriod は経済計算に渡す対象年を設定します。
func WithTimePeriod(period string) ServiceOption {
	return func(s *Service) { s.timePeriod = period }
}

// WithGeographyCalcType は地域を対象とする計算で使うバックエンドを設定します。
func WithGeographyCalcType(t CalcType) ServiceOption {
	return func(s *Service) { s.geographyType = t }
}

// NewService は Service を作成します。registry が nil の場合は新規に作成します。
func NewService(cache StatusCache, registry *Registry, strategies []Strategy, opts ...ServiceOption) (*Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("status cache is required")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Service{
		strategies:    make(map[CalcType]Strategy, len(strategies)),
		cache:         cache,
		registry:      registry,
		logger:        logger.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		geographyType: CalcTypeEconomy,
		household:     make(map[string]*householdRun),
	}
	for _, st := range strategies {
		s.strategies[st.Type()] = st
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := s.strategies[s.geographyType]; !ok {
		return nil, fmt.Errorf("no strategy registered for %q: %w", s.geographyType, ErrUnknownCalcType)
	}
	return s, nil
}

// Handler は計算種別に対応するストラテジーを返します。
func (s *Service) Handler(calcType CalcType) (Strategy, error) {
	st, ok := s.strategies[calcType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", calcType, ErrUnknownCalcType)
	}
	return st, nil
}

// GeographyCalcType は地域を対象とする計算で使う計算種別を返します。
func (s *Service) GeographyCalcType() CalcType {
	return s.geographyType
}

// InFlight は calcId のリモート計算が実行中かどうかを返します。
func (s *Service) InFlight(calcID string) bool {
	return s.registry.InFlight(calcID)
}

// Cache はステータスキャッシュを返します。
func (s *Service) Cache() StatusCache {
	return s.cache
}

// ExecuteCalculation は calcId の計算を開始します。
// 同じ calcId の計算が実行中であれば新たなリモート呼び出しは行いません。
//
// 世帯計算はすぐに computing 状態を返し、結果はバックグラウンドでキャッシュへ書き込まれます。
// 経済計算と社会全体計算はリモート呼び出しの結果をそのまま返します。
func (s *Service) ExecuteCalculation(ctx context.Context, calcID string, meta Metadata) (*CalcStatus, error) {
	if calcID == "" {
		return nil, invalidInput("calcId is required")
	}
	if meta.CalcID == "" {
		meta.CalcID = calcID
	}
	strategy, err := s.Handler(meta.CalcType)
	if err != nil {
		return nil, err
	}

	f, started := s.registry.begin(calcID, meta.CalcType, s.now())
	if !started {
		return s.joinInFlight(ctx, calcID, meta, f)
	}

	if meta.CalcType == CalcTypeHousehold {
		return s.startHousehold(ctx, calcID, meta, strategy, f)
	}

	status, err := strategy.Execute(ctx, ParamsFromMetadata(meta, s.timePeriod), meta)
	if err != nil {
		s.registry.finish(calcID, f, nil, err)
		return nil, err
	}
	if err := s.store(ctx, calcID, status, strategy); err != nil {
		s.registry.finish(calcID, f, status, err)
		return nil, err
	}
	s.registry.finish(calcID, f, status, nil)
	return status.Clone(), nil
}

// joinInFlight は実行中の計算に合流します。
func (s *Service) joinInFlight(ctx context.Context, calcID string, meta Metadata, f *flight) (*CalcStatus, error) {
	s.logger.Debug("Calculation already in flight",
		logger.String("calc_id", calcID),
		logger.String("calc_type", string(meta.CalcType)),
	)

	if meta.CalcType == CalcTypeHousehold {
		if status := s.householdStatus(calcID); status != nil {
			return status, nil
		}
		return s.cached(ctx, calcID)
	}

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.status.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) startHousehold(ctx context.Context, calcID string, meta Metadata, strategy Strategy, f *flight) (*CalcStatus, error) {
	run := &householdRun{meta: meta, startedAt: s.now()}
	s.mu.Lock()
	s.household[calcID] = run
	s.mu.Unlock()

	initial := s.householdProgress(run)
	if err := s.store(ctx, calcID, initial, strategy); err != nil {
		s.mu.Lock()
		delete(s.household, calcID)
		s.mu.Unlock()
		s.registry.finish(calcID, f, nil, err)
		return nil, err
	}

	params := ParamsFromMetadata(meta, s.timePeriod)
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		status, err := strategy.Execute(bg, params, meta)
		if err != nil {
			s.logger.Warn("Household calculation request failed",
				logger.String("calc_id", calcID),
				logger.Error(err),
			)
			status = NewError(meta, errCodeHouseholdFailed, err.Error(), true)
		}

		// 待機側がタイムアウト等で終端状態を書き込んでいれば、それを最終状態とする。
		existing, stored, storeErr := s.storeUnlessTerminal(bg, calcID, status, strategy)
		switch {
		case storeErr != nil:
			s.logger.Error("Failed to cache household result",
				logger.String("calc_id", calcID),
				logger.Error(storeErr),
			)
		case !stored && existing != nil:
			s.logger.Warn("Discarding late household result",
				logger.String("calc_id", calcID),
				logger.String("cached_status", string(existing.Status.Status)),
			)
			status = existing.Status
		}

		s.mu.Lock()
		run.final = status.Clone()
		s.mu.Unlock()
		s.registry.finish(calcID, f, status, err)
	}()

	return initial, nil
}

// Wait はバックグラウンドの世帯計算がすべて終わるまで待ちます。
func (s *Service) Wait() {
	s.wg.Wait()
}

// GetStatus はローカルに追跡している状態を返します。
// 世帯計算のみが追跡対象で、経済計算はキャッシュを参照する必要があるため常に nil です。
func (s *Service) GetStatus(calcID string, calcType CalcType) *CalcStatus {
	if calcType != CalcTypeHousehold {
		return nil
	}
	return s.householdStatus(calcID)
}

// Forget は追跡中の世帯計算の最終状態を破棄します。実行中のものは破棄しません。
func (s *Service) Forget(calcID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.household[calcID]; ok && run.final != nil {
		delete(s.household, calcID)
	}
}

func (s *Service) householdStatus(calcID string) *CalcStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.household[calcID]
	if !ok {
		return nil
	}
	if run.final != nil {
		return run.final.Clone()
	}
	return s.householdProgress(run)
}

// householdProgress は経過時間から合成した進捗を返します。95% を上限とします。
func (s *Service) householdProgress(run *householdRun) *CalcStatus {
	elapsed := s.now().Sub(run.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	progress := math.Min(float64(elapsed)/float64(householdEstimatedDuration)*100, 95)
	remaining := householdEstimatedDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return &CalcStatus{
		Status:                 StatusComputing,
		Progress:               float64Ptr(progress),
		Message:                householdProgressMessage(progress),
		EstimatedTimeRemaining: int64Ptr(remaining.Milliseconds()),
		Metadata:               run.meta,
	}
}

func householdProgressMessage(progress float64) string {
	switch {
	case progress < 10:
		return "Initializing calculation..."
	case progress < 30:
		return "Loading household data..."
	case progress < 60:
		return "Running policy simulation..."
	case progress < 80:
		return "Calculating impacts..."
	default:
		return "Finalizing results..."
	}
}

// QueryOptions は calcId のポーリング設定を組み立てます。
func (s *Service) QueryOptions(calcID string, meta Metadata) (QueryOptions, error) {
	strategy, err := s.Handler(meta.CalcType)
	if err != nil {
		return QueryOptions{}, err
	}
	if meta.CalcID == "" {
		meta.CalcID = calcID
	}

	refetch := strategy.RefetchConfig()
	opts := QueryOptions{
		Key:       CacheKey(calcID),
		CalcID:    calcID,
		Refetch:   refetch,
		StaleTime: refetch.StaleTime,
		Current: func(ctx context.Context) (*CalcStatus, error) {
			return s.cached(ctx, calcID)
		},
	}

	if meta.CalcType == CalcTypeHousehold {
		// 世帯計算はバックグラウンドで進むため、取得はローカル状態の読み出しだけを行う。
		opts.Fetch = func(ctx context.Context) (*CalcStatus, error) {
			if status := s.householdStatus(calcID); status != nil {
				return status, nil
			}
			status, err := s.cached(ctx, calcID)
			if err != nil || status != nil {
				return status, err
			}
			return s.ExecuteCalculation(ctx, calcID, meta)
		}
		return opts, nil
	}

	opts.Fetch = func(ctx context.Context) (*CalcStatus, error) {
		return s.ExecuteCalculation(ctx, calcID, meta)
	}
	return opts, nil
}

func (s *Service) cached(ctx context.Context, calcID string) (*CalcStatus, error) {
	entry, err := s.cache.Get(ctx, calcID)
	if err != nil {
		return nil, fmt.Errorf("read status cache: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Status, nil
}

// store は状態とポーリング方針をキャッシュへ書き込みます。
func (s *Service) store(ctx context.Context, calcID string, status *CalcStatus, strategy Strategy) error {
	entry := Entry{
		Status:    status.Clone(),
		Refetch:   strategy.RefetchConfig().PolicyFor(status),
		UpdatedAt: s.now(),
	}
	if err := s.cache.Set(ctx, calcID, entry); err != nil {
		return fmt.Errorf("write status cache: %w", err)
	}
	return nil
}

// storeUnlessTerminal は既存エントリが終端状態でない場合だけ書き込みます。
func (s *Service) storeUnlessTerminal(ctx context.Context, calcID string, status *CalcStatus, strategy Strategy) (*Entry, bool, error) {
	entry := Entry{
		Status:    status.Clone(),
		Refetch:   strategy.RefetchConfig().PolicyFor(status),
		UpdatedAt: s.now(),
	}
	existing, stored, err := s.cache.SetUnlessTerminal(ctx, calcID, entry)
	if err != nil {
		return nil, false, fmt.Errorf("write status cache: %w", err)
	}
	return existing, stored, nil
}
