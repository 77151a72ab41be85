package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/policy-calc/internal/config"
)

type recordingRunner struct {
	calls [][2]string
	err   error
}

func (r *recordingRunner) RunReport(_ context.Context, countryID, reportID string) error {
	r.calls = append(r.calls, [2]string{countryID, reportID})
	return r.err
}

func newTestManager(t *testing.T, runner ReportRunner) *Manager {
	t.Helper()
	mr, _ := newTestRedis(t)
	m, err := NewManager(&config.Config{QueueRedisURL: "redis://" + mr.Addr()}, runner, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.client.Close() })
	return m
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, &recordingRunner{}, nil)
	assert.Error(t, err)

	_, err = NewManager(&config.Config{QueueRedisURL: "redis://localhost:6379"}, nil, nil)
	assert.Error(t, err)
}

func TestHandleReportTask(t *testing.T) {
	runner := &recordingRunner{}
	m := newTestManager(t, runner)

	body, err := json.Marshal(ReportTaskPayload{RunID: "run-1", CountryID: "us", ReportID: "r-1"})
	require.NoError(t, err)

	err = m.handleReportTask(context.Background(), asynq.NewTask(taskTypeReport, body))
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"us", "r-1"}}, runner.calls)
}

func TestHandleReportTaskPropagatesFailure(t *testing.T) {
	boom := errors.New("persist failed")
	m := newTestManager(t, &recordingRunner{err: boom})

	body, err := json.Marshal(ReportTaskPayload{CountryID: "uk", ReportID: "r-2"})
	require.NoError(t, err)

	err = m.handleReportTask(context.Background(), asynq.NewTask(taskTypeReport, body))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "transient failures keep the task retry")
}

func TestHandleReportTaskSkipsRetryOnPermanentFailure(t *testing.T) {
	runner := &recordingRunner{err: fmt.Errorf("failed to persist report after retry: %w", ErrPermanent)}
	m := newTestManager(t, runner)

	body, err := json.Marshal(ReportTaskPayload{CountryID: "us", ReportID: "r-3"})
	require.NoError(t, err)

	err = m.handleReportTask(context.Background(), asynq.NewTask(taskTypeReport, body))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Len(t, runner.calls, 1)
}

func TestHandleReportTaskRejectsBadPayload(t *testing.T) {
	runner := &recordingRunner{}
	m := newTestManager(t, runner)

	err := m.handleReportTask(context.Background(), asynq.NewTask(taskTypeReport, []byte(`{"reportId":""}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.handleReportTask(context.Background(), asynq.NewTask(taskTypeReport, []byte(`not json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.calls)
}

func TestReportTaskID(t *testing.T) {
	assert.Equal(t, "report:us:r-9", reportTaskID("us", "r-9"))
}
