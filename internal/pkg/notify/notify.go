// Package notify 定义新商品通知能力。
package notify

import (
	"context"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
)

// Notifier 在定时任务发现新商品时发送通知。
type Notifier interface {
	NotifyNewItems(ctx context.Context, taskName string, items []model.CrawledItem) error
}

// Noop 不发送任何通知。
type Noop struct{}

// NotifyNewItems 实现 Notifier。
func (Noop) NotifyNewItems(context.Context, string, []model.CrawledItem) error { return nil }
