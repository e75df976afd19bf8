// Package dedup 基于 Redis 的新商品去重窗口。
//
// 定时任务每轮都会重新抓到大量旧商品，通知前先在这里判断该商品是否
// 在窗口期内已经出现过，避免重复邮件。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "xianyutracker:dedup:item:"

// Window 记录"某任务已经见过某商品"这一事实，带 TTL。
type Window struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewWindow 创建去重窗口。ttl <= 0 时默认 24 小时。
func NewWindow(rdb *redis.Client, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Window{rdb: rdb, ttl: ttl}
}

// Seen 原子地记录 (taskID, itemID) 并返回此前是否已出现过。
// Window 或 Redis 未配置时一律视为未出现（不拦截通知）。
func (w *Window) Seen(ctx context.Context, taskID uint, itemID string) (bool, error) {
	if w == nil || w.rdb == nil || itemID == "" {
		return false, nil
	}
	key := keyPrefix + hashKey(fmt.Sprintf("%d:%s", taskID, itemID))
	ok, err := w.rdb.SetNX(ctx, key, "1", w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Forget 删除记录，供任务重置基线时使用。
func (w *Window) Forget(ctx context.Context, taskID uint, itemID string) error {
	if w == nil || w.rdb == nil || itemID == "" {
		return nil
	}
	key := keyPrefix + hashKey(fmt.Sprintf("%d:%s", taskID, itemID))
	if err := w.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
