package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Monitor 以随机间隔周期性评估
type Monitor struct {
	guard   *Guard
	min     time.Duration
	max     time.Duration
	trigger chan struct{}
	logger  *logrus.Logger
}

// NewMonitor 创建周期监控，间隔在 [min, max] 之间随机
func NewMonitor(guard *Guard, min, max time.Duration, logger *logrus.Logger) *Monitor {
	if min <= 0 {
		min = 30 * time.Second
	}
	if max < min {
		max = min
	}
	return &Monitor{
		guard:   guard,
		min:     min,
		max:     max,
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
}

// Trigger 请求立即评估，已有待处理请求时合并
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run 阻塞直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithFields(logrus.Fields{
		"min_interval": m.min.String(),
		"max_interval": m.max.String(),
	}).Info("Monitor started")

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return
		case <-timer.C:
			m.RunOnce(ctx)
			timer.Reset(m.nextInterval())
		case <-m.trigger:
			m.logger.Debug("Evaluation triggered")
			m.RunOnce(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.nextInterval())
		}
	}
}

// RunOnce 评估一次并处理检出的威胁
func (m *Monitor) RunOnce(ctx context.Context) *domain.SecurityReport {
	report := m.guard.Evaluate(ctx)
	for _, threat := range report.Threats() {
		m.guard.HandleThreat(ctx, threat)
	}
	return report
}

func (m *Monitor) nextInterval() time.Duration {
	span := int64(m.max - m.min)
	if span <= 0 {
		return m.min
	}
	return m.min + time.Duration(rand.Int63n(span+1))
}
