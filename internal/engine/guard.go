// Package engine 聚合各检测家族的证据，生成安全报告并处理威胁。
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raspguard/raspguard-go/internal/detector"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/native"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
)

// Reporter 威胁事件发布
type Reporter interface {
	Publish(ctx context.Context, event domain.ThreatEvent) error
}

// Recorder 评估历史持久化
type Recorder interface {
	Save(ctx context.Context, report *domain.SecurityReport) error
}

// Metrics 评估与威胁指标
type Metrics interface {
	ObserveReport(report *domain.SecurityReport, elapsed time.Duration)
	ObserveThreat(threat domain.ThreatType, enforced bool)
}

// ThreatHandler 威胁回调，report 为最近一次评估，可能为 nil
type ThreatHandler func(ctx context.Context, threat domain.ThreatType, report *domain.SecurityReport)

// Listener 报告生成后的通知
type Listener func(report *domain.SecurityReport)

// Options Guard 的不可变配置，Init 之后不再修改
type Options struct {
	Enforce     bool
	PackageName string
	Runner      *probe.Runner
	Collectors  []detector.Collector
	Bridge      native.Bridge
	Harden      bool // Init 时调用 Bridge.HardenProcess
	Reporter    Reporter
	Recorder    Recorder
	Metrics     Metrics
	Terminate   func(code int)
	Logger      *logrus.Logger
}

// Guard 评估入口
type Guard struct {
	opts Options

	mu        sync.RWMutex
	latest    *domain.SecurityReport
	handlers  []ThreatHandler
	listeners []Listener
}

// Init 校验配置并创建 Guard
func Init(ctx context.Context, opts Options) (*Guard, error) {
	if opts.Logger == nil {
		return nil, errors.New("engine: logger is required")
	}
	if opts.Runner == nil {
		opts.Runner = probe.NewRunner(opts.Logger)
	}
	if len(opts.Collectors) == 0 {
		return nil, errors.New("engine: no collectors configured")
	}
	seen := make(map[domain.ThreatType]bool)
	for _, c := range opts.Collectors {
		if seen[c.Family()] {
			return nil, fmt.Errorf("engine: duplicate collector for %s", c.Family())
		}
		seen[c.Family()] = true
	}
	if opts.Terminate == nil {
		opts.Terminate = os.Exit
	}

	g := &Guard{opts: opts}

	if opts.Harden && opts.Bridge != nil {
		opts.Bridge.HardenProcess()
	}

	opts.Logger.WithFields(logrus.Fields{
		"collectors": len(opts.Collectors),
		"enforce":    opts.Enforce,
		"package":    opts.PackageName,
	}).Info("Guard initialized")

	return g, nil
}

// OnThreat 注册威胁处理器
func (g *Guard) OnThreat(handler ThreatHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

// Subscribe 注册报告监听者
func (g *Guard) Subscribe(listener Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// Latest 最近一次评估的副本
func (g *Guard) Latest() *domain.SecurityReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest.Clone()
}

// Evaluate 运行全部家族并生成报告，永不 panic
func (g *Guard) Evaluate(ctx context.Context) (report *domain.SecurityReport) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			g.opts.Logger.WithField("panic", fmt.Sprint(rec)).Error("Evaluation failed, returning all-clear report")
			report = g.emptyReport(start)
		}
	}()

	report = g.emptyReport(start)
	for _, c := range g.opts.Collectors {
		family := c.Family()
		outcomes := detector.Evaluate(ctx, g.opts.Runner, c)
		score := probe.Score(outcomes)

		report.Scores[family] = score
		report.Thresholds[family] = c.Threshold()
		report.Outcomes = append(report.Outcomes, outcomes...)
		setDetected(report, family, probe.Verdict(outcomes, c.Threshold()))
	}
	report.Inconclusive = probe.Inconclusive(report.Outcomes)

	g.publish(ctx, report, time.Since(start))
	return report.Clone()
}

func (g *Guard) emptyReport(start time.Time) *domain.SecurityReport {
	return &domain.SecurityReport{
		ID:         uuid.NewString(),
		Timestamp:  start.UTC(),
		Scores:     make(map[domain.ThreatType]int),
		Thresholds: make(map[domain.ThreatType]int),
	}
}

func setDetected(r *domain.SecurityReport, family domain.ThreatType, detected bool) {
	switch family {
	case domain.ThreatDebugger:
		r.Debugger = detected
	case domain.ThreatRoot:
		r.Root = detected
	case domain.ThreatEmulator:
		r.Emulator = detected
	case domain.ThreatTampering:
		r.Tampering = detected
	}
}

// publish 保存最新报告并通知下游，下游失败只记录日志
func (g *Guard) publish(ctx context.Context, report *domain.SecurityReport, elapsed time.Duration) {
	g.mu.Lock()
	g.latest = report
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.Unlock()

	g.opts.Logger.WithFields(logrus.Fields{
		"report_id":    report.ID,
		"threats":      report.Threats(),
		"scores":       report.Scores,
		"inconclusive": report.Inconclusive,
		"elapsed":      elapsed.String(),
	}).Info("Evaluation completed")

	if g.opts.Metrics != nil {
		g.opts.Metrics.ObserveReport(report, elapsed)
	}
	if g.opts.Recorder != nil {
		if err := g.opts.Recorder.Save(ctx, report); err != nil {
			g.opts.Logger.WithError(err).Warn("Failed to record report")
		}
	}
	for _, l := range listeners {
		g.notify(l, report)
	}
}

func (g *Guard) notify(l Listener, report *domain.SecurityReport) {
	defer func() {
		if rec := recover(); rec != nil {
			g.opts.Logger.WithField("panic", fmt.Sprint(rec)).Warn("Report listener panicked")
		}
	}()
	l(report.Clone())
}

// HandleThreat 记录、发布并回调；Enforce 时最后终止进程
func (g *Guard) HandleThreat(ctx context.Context, threat domain.ThreatType) {
	report := g.Latest()

	fields := logrus.Fields{"threat": threat, "enforce": g.opts.Enforce}
	if report != nil {
		fields["report_id"] = report.ID
		fields["score"] = report.Scores[threat]
	}
	g.opts.Logger.WithFields(fields).Warn("Threat detected")

	if g.opts.Metrics != nil {
		g.opts.Metrics.ObserveThreat(threat, g.opts.Enforce)
	}

	if g.opts.Reporter != nil {
		event := domain.ThreatEvent{
			EventID:   uuid.NewString(),
			Threat:    threat,
			Package:   g.opts.PackageName,
			Enforced:  g.opts.Enforce,
			Timestamp: time.Now().UTC(),
		}
		if report != nil {
			event.ReportID = report.ID
			event.Scores = report.Scores
		}
		if err := g.opts.Reporter.Publish(ctx, event); err != nil {
			g.opts.Logger.WithError(err).WithField("threat", threat).Warn("Failed to publish threat event")
		}
	}

	g.mu.RLock()
	handlers := append([]ThreatHandler(nil), g.handlers...)
	g.mu.RUnlock()
	for _, h := range handlers {
		g.callHandler(ctx, h, threat, report)
	}

	if g.opts.Enforce {
		g.opts.Logger.WithField("threat", threat).Error("Enforcement enabled, terminating process")
		g.opts.Terminate(1)
	}
}

func (g *Guard) callHandler(ctx context.Context, h ThreatHandler, threat domain.ThreatType, report *domain.SecurityReport) {
	defer func() {
		if rec := recover(); rec != nil {
			g.opts.Logger.WithField("panic", fmt.Sprint(rec)).Warn("Threat handler panicked")
		}
	}()
	h(ctx, threat, report)
}
