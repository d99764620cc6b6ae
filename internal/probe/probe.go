// Package probe 定义检测探针以及它们的执行边界和计分规则。
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/obfuscation"
	"github.com/raspguard/raspguard-go/internal/worker"
	"github.com/sirupsen/logrus"
)

// Func 探针函数，返回 true 表示检出
type Func func(ctx context.Context) (bool, error)

// Probe 一个独立的检测信号
type Probe struct {
	Name        string
	Family      domain.ThreatType
	Weight      int
	Description string
	Run         Func
}

// ErrTimeout 探针超过单次时限
var ErrTimeout = errors.New("probe timed out")

// Runner 探针执行器：超时、panic 恢复、可选拦截器
type Runner struct {
	logger      *logrus.Logger
	timeout     time.Duration
	concurrency int
	interceptor obfuscation.Interceptor
}

// Option Runner 配置项
type Option func(*Runner)

// WithTimeout 单个探针的时限
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithConcurrency 并发执行探针的 worker 数，<=1 为顺序执行
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithInterceptor 包裹每次探针调用
func WithInterceptor(ic obfuscation.Interceptor) Option {
	return func(r *Runner) { r.interceptor = ic }
}

// NewRunner 创建执行器
func NewRunner(logger *logrus.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:      logger,
		timeout:     2 * time.Second,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type result struct {
	fired bool
	err   error
}

// Run 执行单个探针，任何失败都折叠为 inconclusive
func (r *Runner) Run(ctx context.Context, p Probe) domain.ProbeOutcome {
	start := time.Now()
	outcome := domain.ProbeOutcome{
		Probe:  p.Name,
		Family: p.Family,
		Weight: p.Weight,
	}

	res := r.invoke(ctx, p)
	outcome.Duration = time.Since(start)

	switch {
	case res.err != nil:
		outcome.Status = domain.ProbeInconclusive
		outcome.Err = res.err.Error()
		r.logger.WithFields(logrus.Fields{
			"probe":  p.Name,
			"family": p.Family,
		}).WithError(res.err).Warn("Probe unavailable, counting as no evidence")
	case res.fired:
		outcome.Status = domain.ProbeDetected
		r.logger.WithFields(logrus.Fields{
			"probe":  p.Name,
			"family": p.Family,
			"weight": p.Weight,
		}).Debug("Probe fired")
	default:
		outcome.Status = domain.ProbeClean
	}

	return outcome
}

func (r *Runner) invoke(ctx context.Context, p Probe) result {
	if p.Run == nil {
		return result{err: fmt.Errorf("probe %s has no implementation", p.Name)}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	call := obfuscation.Call(p.Run)
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("probe panic: %v", rec)}
			}
		}()
		var fired bool
		var err error
		if r.interceptor != nil {
			fired, err = r.interceptor(ctx, p.Name, call)
		} else {
			fired, err = call(ctx)
		}
		done <- result{fired: fired, err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result{err: ErrTimeout}
		}
		return result{err: ctx.Err()}
	}
}

// RunAll 执行一组探针，输出顺序与输入一致
func (r *Runner) RunAll(ctx context.Context, probes []Probe) []domain.ProbeOutcome {
	outcomes := make([]domain.ProbeOutcome, len(probes))

	if r.concurrency <= 1 || len(probes) < 2 {
		for i, p := range probes {
			outcomes[i] = r.Run(ctx, p)
		}
		return outcomes
	}

	tasks := make([]*worker.Task, len(probes))
	for i, p := range probes {
		i, p := i, p
		tasks[i] = &worker.Task{
			ID: p.Name,
			Run: func(context.Context) {
				outcomes[i] = r.Run(ctx, p)
			},
		}
	}
	worker.RunAll(ctx, r.concurrency, tasks, r.logger)
	return outcomes
}
