package jobs

import (
	"errors"
	"time"
)

const (
	taskTypeReport = "calc:report"
	queueName      = "calculations"
)

// ErrPermanent は再実行しても解決しない失敗を示します。
// ReportRunner がこれを包んだエラーを返した場合、タスクは再試行されません。
var ErrPermanent = errors.New("permanent report failure")

// ReportTaskPayload はレポート計算タスクのペイロードです。
type ReportTaskPayload struct {
	RunID      string    `json:"runId"`
	CountryID  string    `json:"countryId"`
	ReportID   string    `json:"reportId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EnqueueResult は投入結果です。
type EnqueueResult struct {
	TaskID string `json:"taskId"`
	RunID  string `json:"runId"`
	// Duplicate は同じレポートのタスクが既にキューにある場合に true です。
	Duplicate bool `json:"duplicate"`
}
