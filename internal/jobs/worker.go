package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/yourusername/policy-calc/internal/logger"
)

func (m *Manager) handleReportTask(ctx context.Context, task *asynq.Task) error {
	var payload ReportTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode report task: %w: %w", err, asynq.SkipRetry)
	}
	if payload.ReportID == "" || payload.CountryID == "" {
		return fmt.Errorf("missing reportId in payload: %w", asynq.SkipRetry)
	}

	log := m.logger.With(
		logger.String("report_id", payload.ReportID),
		logger.String("run_id", payload.RunID),
	)
	log.Info("Report task started")

	if err := m.runner.RunReport(ctx, payload.CountryID, payload.ReportID); err != nil {
		if errors.Is(err, ErrPermanent) {
			log.Error("Report task failed permanently", logger.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Error("Report task failed", logger.Error(err))
		return err
	}

	log.Info("Report task finished")
	return nil
}
