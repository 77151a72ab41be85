// Package persist は完了した計算結果を所有エンティティへ書き戻します。
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/jobs"
	"github.com/yourusername/policy-calc/internal/logger"
	"github.com/yourusername/policy-calc/internal/metrics"
)

const defaultRetryDelay = time.Second

// Writer はエンティティAPIへの書き込みです。
type Writer interface {
	MarkReportCompleted(ctx context.Context, countryID, reportID string, payload backend.ReportPayload) error
	UpdateSimulationOutput(ctx context.Context, countryID, simulationID string, output json.RawMessage) error
}

// Invalidator はエンティティキャッシュを破棄します。
type Invalidator interface {
	Invalidate(ctx context.Context, key []string) error
}

// ReportFetcher は親レポートのシミュレーション構成を取得します。
type ReportFetcher interface {
	FetchReport(ctx context.Context, countryID, reportID string) (*backend.ReportRecord, error)
}

// Options は Persister の任意設定です。
type Options struct {
	// RetryDelay は再試行までの待ち時間です。0 の場合は1秒です。
	RetryDelay time.Duration
	// Reports と Statuses が両方あれば、世帯レポートの完了判定を行います。
	Reports  ReportFetcher
	Statuses calc.StatusCache
	Metrics  *metrics.Metrics
	Logger   logger.Logger
}

// Persister は計算結果を書き戻します。
type Persister struct {
	writer     Writer
	entities   Invalidator
	reports    ReportFetcher
	statuses   calc.StatusCache
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     logger.Logger
}

// New は Persister を作成します。
func New(writer Writer, entities Invalidator, opts Options) *Persister {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Persister{
		writer:     writer,
		entities:   entities,
		reports:    opts.Reports,
		statuses:   opts.Statuses,
		retryDelay: delay,
		metrics:    opts.Metrics,
		logger:     logger.OrNop(opts.Logger),
	}
}

// Persist は完了状態の結果を targetType に応じたエンティティへ書き込みます。
// 書き込みに失敗した場合は一度だけ再試行し、それも失敗したら PersistError を返します。
func (p *Persister) Persist(ctx context.Context, status *calc.CalcStatus, countryID string) error {
	if status == nil || status.Result == nil {
		return ErrMissingResult
	}
	meta := status.Metadata

	switch meta.TargetType {
	case calc.TargetReport:
		return p.persistReport(ctx, countryID, meta.CalcID, status.Result)
	case calc.TargetSimulation:
		if err := p.withRetry(ctx, calc.TargetSimulation, meta.CalcID, func() error {
			return p.writeSimulation(ctx, countryID, meta.CalcID, status.Result)
		}); err != nil {
			return err
		}
		if meta.ReportID != "" {
			return p.completeReportIfReady(ctx, countryID, meta.ReportID)
		}
		return nil
	default:
		return fmt.Errorf("unknown target type %q", meta.TargetType)
	}
}

func (p *Persister) persistReport(ctx context.Context, countryID, reportID string, output json.RawMessage) error {
	return p.withRetry(ctx, calc.TargetReport, reportID, func() error {
		return p.writeReport(ctx, countryID, reportID, output)
	})
}

func (p *Persister) writeReport(ctx context.Context, countryID, reportID string, output json.RawMessage) error {
	err := p.writer.MarkReportCompleted(ctx, countryID, reportID, backend.ReportPayload{
		ID:     reportID,
		Status: backend.ReportComplete,
		Output: output,
	})
	if err != nil {
		return err
	}
	p.invalidate(ctx, jobs.ReportKey(reportID))
	return nil
}

func (p *Persister) writeSimulation(ctx context.Context, countryID, simulationID string, output json.RawMessage) error {
	if err := p.writer.UpdateSimulationOutput(ctx, countryID, simulationID, output); err != nil {
		return err
	}
	p.invalidate(ctx, jobs.SimulationKey(simulationID))
	return nil
}

// invalidate の失敗は書き込み自体を失敗扱いにしない。
func (p *Persister) invalidate(ctx context.Context, key []string) {
	if p.entities == nil {
		return
	}
	if err := p.entities.Invalidate(ctx, key); err != nil {
		p.logger.Warn("Failed to invalidate entity cache",
			logger.Any("key", key),
			logger.Error(err),
		)
	}
}

func (p *Persister) withRetry(ctx context.Context, target calc.TargetType, id string, write func() error) error {
	err := write()
	if err == nil {
		p.metrics.PersistAttempt(string(target), "success")
		return nil
	}

	p.metrics.PersistAttempt(string(target), "retry")
	p.logger.Warn("Persistence failed, retrying once",
		logger.String("target_type", string(target)),
		logger.String("calc_id", id),
		logger.Error(err),
	)

	timer := time.NewTimer(p.retryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		p.metrics.PersistAttempt(string(target), "failure")
		return &PersistError{Target: target, Err: errors.Join(err, ctx.Err())}
	case <-timer.C:
	}

	if err := write(); err != nil {
		p.metrics.PersistAttempt(string(target), "failure")
		p.logger.Error("Retry failed",
			logger.String("target_type", string(target)),
			logger.String("calc_id", id),
			logger.Error(err),
		)
		return &PersistError{Target: target, Err: err}
	}
	p.metrics.PersistAttempt(string(target), "success")
	return nil
}

// completeReportIfReady は親レポートの全シミュレーションが完了していれば
// 各シミュレーションの出力を配列にまとめてレポートを完了にします。
func (p *Persister) completeReportIfReady(ctx context.Context, countryID, reportID string) error {
	if p.reports == nil || p.statuses == nil {
		return nil
	}

	report, err := p.reports.FetchReport(ctx, countryID, reportID)
	if err != nil {
		return fmt.Errorf("fetch report %s: %w", reportID, err)
	}

	outputs := make([]json.RawMessage, 0, 2)
	for _, simID := range simulationIDs(report) {
		entry, err := p.statuses.Get(ctx, simID)
		if err != nil {
			return fmt.Errorf("read status for simulation %s: %w", simID, err)
		}
		if entry == nil || entry.Status == nil || entry.Status.Status != calc.StatusComplete {
			return nil
		}
		if entry.Status.Result != nil {
			outputs = append(outputs, entry.Status.Result)
		}
	}
	if len(outputs) == 0 {
		return nil
	}

	p.logger.Info("All simulations complete, marking report complete",
		logger.String("report_id", reportID),
		logger.Int("simulations", len(outputs)),
	)
	return p.persistReport(ctx, countryID, reportID, joinOutputs(outputs))
}

func simulationIDs(report *backend.ReportRecord) []string {
	ids := make([]string, 0, 2)
	if report.Simulation1ID != "" {
		ids = append(ids, report.Simulation1ID)
	}
	if report.Simulation2ID != "" {
		ids = append(ids, report.Simulation2ID)
	}
	return ids
}

func joinOutputs(outputs []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, out := range outputs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(out)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
