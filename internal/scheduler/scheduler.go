// Package scheduler 周期性执行已启用的定时搜索任务。
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/crawler"
	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/dedup"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/notify"
	"github.com/WastematerialFeng/xianyu-tracker/internal/store"
)

// Searcher 是调度器需要的爬虫能力。
type Searcher interface {
	Search(ctx context.Context, req crawler.SearchRequest) (*crawler.Outcome, error)
	Running() bool
}

// Scheduler 轮询任务表并串行执行到期任务。
//
// 爬虫同一时刻只允许一个会话，手动触发的爬取正在进行时本轮直接跳过。
type Scheduler struct {
	store    *store.Store
	searcher Searcher
	window   *dedup.Window
	notifier notify.Notifier
	logger   *slog.Logger
	interval time.Duration
}

// New 创建调度器。notifier 为 nil 时不发通知。
func New(st *store.Store, searcher Searcher, window *dedup.Window, notifier notify.Notifier, logger *slog.Logger, interval time.Duration) *Scheduler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		store:    st,
		searcher: searcher,
		window:   window,
		notifier: notifier,
		logger:   logger,
		interval: interval,
	}
}

// Run 阻塞运行调度循环，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

// RunDue 执行 now 时刻到期的全部任务。
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	if s.searcher.Running() {
		s.logger.Debug("crawler busy, skipping scheduled round")
		return
	}

	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("list due tasks failed", slog.Any("error", err))
		return
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, &tasks[i], now)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *model.CrawlTask, now time.Time) {
	logger := s.logger.With(slog.Uint64("task_id", uint64(task.ID)), slog.String("keyword", task.Keyword))
	logger.Info("scheduled crawl starting")

	outcome, err := s.searcher.Search(ctx, crawler.SearchRequest{
		Keyword:      task.Keyword,
		MaxPages:     task.MaxPages,
		MinPrice:     task.MinPrice,
		MaxPrice:     task.MaxPrice,
		PersonalOnly: task.PersonalOnly,
	})
	if err != nil {
		if errors.Is(err, crawler.ErrAlreadyRunning) {
			logger.Info("crawler busy, task deferred to next round")
			return
		}
		logger.Error("scheduled crawl failed", slog.Any("error", err))
		return
	}

	if err := s.store.TouchTaskRun(ctx, task.ID, now); err != nil {
		logger.Error("touch task run failed", slog.Any("error", err))
	}

	inserted, err := s.store.UpsertItems(ctx, outcome.Items, &task.ID)
	if err != nil {
		logger.Error("persist crawled items failed", slog.Any("error", err))
		return
	}
	logger.Info("scheduled crawl finished",
		slog.Int("items", len(outcome.Items)),
		slog.Int("new", inserted),
		slog.Bool("bot_challenge", outcome.BotChallenge),
		slog.Bool("timed_out", outcome.TimedOut))

	if !task.NotifyEnabled {
		return
	}

	fresh := s.filterFresh(ctx, task.ID, outcome.Items)
	if len(fresh) == 0 {
		return
	}
	if err := s.notifier.NotifyNewItems(ctx, task.Name, fresh); err != nil {
		logger.Error("notify new items failed", slog.Any("error", err))
	}
}

// filterFresh 用去重窗口过滤出首次见到的商品，避免重复通知。
// 窗口不可用时宁可多发也不漏发。
func (s *Scheduler) filterFresh(ctx context.Context, taskID uint, items []model.CrawledItem) []model.CrawledItem {
	fresh := make([]model.CrawledItem, 0, len(items))
	for _, it := range items {
		seen, err := s.window.Seen(ctx, taskID, it.ItemID)
		if err != nil {
			s.logger.Warn("dedup window check failed", slog.Any("error", err))
			fresh = append(fresh, it)
			continue
		}
		if !seen {
			fresh = append(fresh, it)
		}
	}
	return fresh
}
