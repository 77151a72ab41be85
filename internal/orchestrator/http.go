package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/jobs"
	"github.com/yourusername/policy-calc/internal/logger"
)

// ReportQueue はレポート計算タスクを投入します。
type ReportQueue interface {
	EnqueueReport(ctx context.Context, countryID, reportID string) (*jobs.EnqueueResult, error)
}

// ReportHydrator は永続化済みの結果を復元します。
type ReportHydrator interface {
	HydrateReport(ctx context.Context, countryID, reportID string) (int, error)
}

// HTTPHandler は計算関連の API を提供します。
type HTTPHandler struct {
	queue    ReportQueue
	hydrator ReportHydrator
	statuses calc.StatusCache
	manager  *Manager
	logger   logger.Logger
}

// NewHTTPHandler は HTTPHandler を作成します。
func NewHTTPHandler(queue ReportQueue, hydrator ReportHydrator, statuses calc.StatusCache, manager *Manager, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		queue:    queue,
		hydrator: hydrator,
		statuses: statuses,
		manager:  manager,
		logger:   logger.OrNop(log),
	}
}

// Register はルートを登録します。
func (h *HTTPHandler) Register(r gin.IRouter) {
	reports := r.Group("/countries/:countryId/reports/:reportId")
	{
		reports.POST("/calculations", h.startReport)
		reports.POST("/hydrate", h.hydrateReport)
	}
	r.GET("/calculations", h.listActive)
	r.GET("/calculations/:calcId", h.getStatus)
}

func (h *HTTPHandler) startReport(c *gin.Context) {
	countryID, reportID, ok := reportParams(c)
	if !ok {
		return
	}

	result, err := h.queue.EnqueueReport(c.Request.Context(), countryID, reportID)
	if err != nil {
		h.logger.Error("Failed to enqueue report calculation",
			logger.String("report_id", reportID),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "計算の開始に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"reportId":  reportID,
		"taskId":    result.TaskID,
		"runId":     result.RunID,
		"duplicate": result.Duplicate,
	})
}

func (h *HTTPHandler) hydrateReport(c *gin.Context) {
	countryID, reportID, ok := reportParams(c)
	if !ok {
		return
	}

	n, err := h.hydrator.HydrateReport(c.Request.Context(), countryID, reportID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "REPORT_NOT_FOUND",
				"message": "指定されたレポートは存在しません。",
			})
			return
		}
		h.logger.Error("Failed to hydrate report",
			logger.String("report_id", reportID),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "計算結果の復元に失敗しました。",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reportId": reportID,
		"hydrated": n,
	})
}

func (h *HTTPHandler) getStatus(c *gin.Context) {
	calcID := strings.TrimSpace(c.Param("calcId"))
	if calcID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "calcId を指定してください。",
		})
		return
	}

	entry, err := h.statuses.Get(c.Request.Context(), calcID)
	if err != nil {
		h.logger.Error("Failed to read status cache", logger.String("calc_id", calcID), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "計算状態の取得に失敗しました。",
		})
		return
	}
	if entry == nil || entry.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "CALCULATION_NOT_FOUND",
			"message": "指定された計算は存在しません。",
		})
		return
	}

	payload := gin.H{
		"calcId": calcID,
		"status": entry.Status,
		"refetch": gin.H{
			"enabled":    entry.Refetch.Enabled,
			"intervalMs": entry.Refetch.Interval.Milliseconds(),
		},
		"updatedAt": entry.UpdatedAt,
	}
	if h.manager != nil {
		payload["managed"] = h.manager.IsRunning(calcID)
	}
	c.JSON(http.StatusOK, payload)
}

func (h *HTTPHandler) listActive(c *gin.Context) {
	runs := []RunInfo{}
	if h.manager != nil {
		runs = h.manager.Active()
	}
	c.JSON(http.StatusOK, gin.H{"calculations": runs})
}

func reportParams(c *gin.Context) (string, string, bool) {
	countryID := strings.TrimSpace(c.Param("countryId"))
	reportID := strings.TrimSpace(c.Param("reportId"))
	if countryID == "" || reportID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "countryId と reportId を指定してください。",
		})
		return "", "", false
	}
	return countryID, reportID, true
}
