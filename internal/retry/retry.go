package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff 退避方式
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy 重试策略
type Policy struct {
	Attempts    int           // 最大尝试次数
	Interval    time.Duration // 初始间隔
	MaxInterval time.Duration
	Backoff     Backoff
	Logger      *logrus.Logger
}

// StorePolicy 基线存储写入使用的策略，sqlite 锁竞争通常在百毫秒内释放
func StorePolicy(logger *logrus.Logger) *Policy {
	return &Policy{
		Attempts:    4,
		Interval:    50 * time.Millisecond,
		MaxInterval: 400 * time.Millisecond,
		Backoff:     BackoffExponential,
		Logger:      logger,
	}
}

// permanentError 标记不可重试错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// transientMarkers 存储驱动返回的可恢复错误片段
var transientMarkers = []string{
	"database is locked",
	"database table is locked",
	"busy",
	"bad connection",
	"connection reset",
	"deadlock",
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, policy *Policy, fn Func) error {
	if policy == nil {
		policy = StorePolicy(logrus.StandardLogger())
	}
	logger := policy.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	interval := policy.Interval

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Debug("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    interval,
			"error":   err.Error(),
		}).Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
		interval = nextInterval(policy, interval)
	}

	return fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// nextInterval 计算下一次重试间隔
func nextInterval(policy *Policy, current time.Duration) time.Duration {
	next := current
	if policy.Backoff == BackoffExponential {
		next = current * 2
	}
	if policy.MaxInterval > 0 && next > policy.MaxInterval {
		next = policy.MaxInterval
	}
	return next
}
