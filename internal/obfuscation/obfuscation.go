// Package obfuscation 提供探针调用的分析对抗包装，所有包装在语义上都是惰性的：
// 被包装调用的返回值原样透传。
package obfuscation

import (
	"context"
	"math/rand"
	"time"
)

// Call 被包装的探针调用
type Call func(ctx context.Context) (bool, error)

// Interceptor 环绕单次探针调用
type Interceptor func(ctx context.Context, name string, call Call) (bool, error)

// Chain 按顺序组合拦截器，第一个位于最外层
func Chain(interceptors ...Interceptor) Interceptor {
	return func(ctx context.Context, name string, call Call) (bool, error) {
		wrapped := call
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic := interceptors[i]
			if ic == nil {
				continue
			}
			next := wrapped
			wrapped = func(ctx context.Context) (bool, error) {
				return ic(ctx, name, next)
			}
		}
		return wrapped(ctx)
	}
}

// Jitter 在调用前插入 [min, max] 之间的随机延迟
func Jitter(min, max time.Duration) Interceptor {
	if max < min {
		min, max = max, min
	}
	return func(ctx context.Context, name string, call Call) (bool, error) {
		delay := min
		if span := int64(max - min); span > 0 {
			delay += time.Duration(rand.Int63n(span + 1))
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		return call(ctx)
	}
}

// OpaqueBranch 用不透明谓词包裹调用，诱饵分支永不执行
func OpaqueBranch() Interceptor {
	return func(ctx context.Context, name string, call Call) (bool, error) {
		x := rand.Int63()
		if AlwaysFalse(x) {
			return decoy(name), nil
		}
		if AlwaysTrue(x ^ int64(len(name))) {
			return call(ctx)
		}
		return decoy(name), nil
	}
}

// Indirect 通过函数表间接分发调用
func Indirect() Interceptor {
	return func(ctx context.Context, name string, call Call) (bool, error) {
		table := [4]Call{call, call, call, call}
		slot := int(uint64(time.Now().UnixNano())>>3) & (len(table) - 1)
		return table[slot](ctx)
	}
}

// AlwaysTrue x(x+1) 必为偶数，溢出不改变奇偶性
func AlwaysTrue(x int64) bool {
	return (x*x+x)%2 == 0
}

// AlwaysFalse AlwaysTrue 的否定
func AlwaysFalse(x int64) bool {
	return (x*x+x)&1 == 1
}

func decoy(name string) bool {
	h := 0
	for i := 0; i < len(name); i++ {
		h = h*31 + int(name[i])
	}
	return h%7 == 3
}
