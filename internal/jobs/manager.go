package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/policy-calc/internal/config"
	"github.com/yourusername/policy-calc/internal/logger"
)

// ReportRunner はレポートの計算を最後まで実行します。
type ReportRunner interface {
	RunReport(ctx context.Context, countryID, reportID string) error
}

// Manager はレポート計算タスクの投入とワーカーの実行を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner ReportRunner
	logger logger.Logger
	now    func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner ReportRunner, log logger.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		logger: logger.OrNop(log),
		now:    func() time.Time { return time.Now().UTC() },
	}
	mux.HandleFunc(taskTypeReport, manager.handleReportTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", logger.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// EnqueueReport はレポート計算タスクをキューに投入します。
// 同じレポートのタスクが未処理のまま残っている場合は重複として扱います。
func (m *Manager) EnqueueReport(ctx context.Context, countryID, reportID string) (*EnqueueResult, error) {
	if countryID == "" || reportID == "" {
		return nil, fmt.Errorf("countryID and reportID are required")
	}

	payload := ReportTaskPayload{
		RunID:      uuid.NewString(),
		CountryID:  countryID,
		ReportID:   reportID,
		EnqueuedAt: m.now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	taskID := reportTaskID(countryID, reportID)
	task := asynq.NewTask(taskTypeReport, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.TaskID(taskID), asynq.MaxRetry(1))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			m.logger.Info("Report task already queued",
				logger.String("report_id", reportID),
				logger.String("task_id", taskID),
			)
			return &EnqueueResult{TaskID: taskID, Duplicate: true}, nil
		}
		return nil, err
	}

	m.logger.Info("Report task enqueued",
		logger.String("report_id", reportID),
		logger.String("run_id", payload.RunID),
	)
	return &EnqueueResult{TaskID: info.ID, RunID: payload.RunID}, nil
}

func reportTaskID(countryID, reportID string) string {
	return fmt.Sprintf("report:%s:%s", countryID, reportID)
}
