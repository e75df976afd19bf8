// Package jitter 提供带随机抖动的延迟，用于模拟真实用户的操作节奏。
//
// 固定延迟容易被风控识别，所有面向页面的交互都应通过这里取随机等待。
package jitter

import (
	"context"
	"time"

	"github.com/mazen160/go-random"
)

// Range 表示一段延迟的上下界。
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Between 返回 [min, max] 之间的随机时长。
// min >= max 时直接返回 min，随机源失败时也回退为 min。
func Between(min, max time.Duration) time.Duration {
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	ms, err := random.IntRange(int(min.Milliseconds()), int(max.Milliseconds())+1)
	if err != nil {
		return min
	}
	return time.Duration(ms) * time.Millisecond
}

// Sleep 在 [min, max] 之间随机睡眠，ctx 取消时立即返回 ctx.Err()。
func Sleep(ctx context.Context, min, max time.Duration) error {
	d := Between(min, max)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepRange 是 Sleep 的 Range 版本。
func SleepRange(ctx context.Context, r Range) error {
	return Sleep(ctx, r.Min, r.Max)
}
