package calc

import (
	"sync"
	"time"
)

// flight は実行中の1つの計算です。
type flight struct {
	calcType  CalcType
	startedAt time.Time
	done      chan struct{}
	status    *CalcStatus
	err       error
}

// Registry は calcId ごとの実行中計算を管理します。
// 同じ calcId のリモート計算は同時に1つまでしか走りません。
type Registry struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{flights: make(map[string]*flight)}
}

// begin は calcId の計算を登録します。既に実行中なら既存のものと false を返します。
func (r *Registry) begin(calcID string, calcType CalcType, now time.Time) (*flight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.flights[calcID]; ok {
		return f, false
	}
	f := &flight{
		calcType:  calcType,
		startedAt: now,
		done:      make(chan struct{}),
	}
	r.flights[calcID] = f
	return f, true
}

// finish は計算結果を記録して登録を解除します。
func (r *Registry) finish(calcID string, f *flight, status *CalcStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.status = status
	f.err = err
	if cur, ok := r.flights[calcID]; ok && cur == f {
		delete(r.flights, calcID)
	}
	close(f.done)
}

// InFlight は calcId の計算が実行中かどうかを返します。
func (r *Registry) InFlight(calcID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[calcID]
	return ok
}
