package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Evaluator 评估入口
type Evaluator interface {
	Evaluate(ctx context.Context) *domain.SecurityReport
	Latest() *domain.SecurityReport
}

// History 评估历史
type History interface {
	Latest(ctx context.Context) (*domain.SecurityReport, error)
	List(ctx context.Context, limit int) ([]domain.ReportRecord, error)
}

// TamperReporter 篡改细分诊断
type TamperReporter interface {
	TamperReport(ctx context.Context) domain.TamperReport
}

// ReportHandler 安全报告相关 API
type ReportHandler struct {
	guard   Evaluator
	history History
	tamper  TamperReporter
	logger  *logrus.Logger
}

// NewReportHandler 创建报告处理器，history 与 tamper 可为 nil
func NewReportHandler(guard Evaluator, history History, tamper TamperReporter, logger *logrus.Logger) *ReportHandler {
	return &ReportHandler{guard: guard, history: history, tamper: tamper, logger: logger}
}

// LatestReport 最近一次评估结果，可能为 nil
func (h *ReportHandler) LatestReport() *domain.SecurityReport {
	return h.guard.Latest()
}

// GetLatest 最近一次评估，进程内尚无结果时读取历史
func (h *ReportHandler) GetLatest(c *gin.Context) {
	report := h.guard.Latest()
	if report == nil && h.history != nil {
		if stored, err := h.history.Latest(c.Request.Context()); err == nil {
			report = stored
		}
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "尚未进行评估",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"report":   report,
		"threats":  report.Threats(),
		"evidence": report.Evidence(),
	})
}

// Evaluate 立即评估
func (h *ReportHandler) Evaluate(c *gin.Context) {
	report := h.guard.Evaluate(c.Request.Context())
	h.logger.WithField("report_id", report.ID).Debug("On-demand evaluation")

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"report":  report,
		"threats": report.Threats(),
		"secure":  report.IsSecure(),
	})
}

// ListReports 评估历史摘要
func (h *ReportHandler) ListReports(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "历史记录未启用",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list reports")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "查询历史失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"total":   len(records),
		"reports": records,
	})
}

// GetTamperReport 篡改细分报告
func (h *ReportHandler) GetTamperReport(c *gin.Context) {
	if h.tamper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "篡改检测未启用",
		})
		return
	}

	report := h.tamper.TamperReport(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"report":       report,
		"intact":       report.IsAppIntact(),
		"tamper_count": report.TamperCount(),
	})
}
