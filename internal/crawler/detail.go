package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/metrics"
)

// CrawlItemDetail 打开商品详情页并拦截详情接口响应。
func (s *Service) CrawlItemDetail(ctx context.Context, itemID string) (*model.ItemDetail, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	status := "error"
	defer func() {
		metrics.CrawlRunsTotal.WithLabelValues("detail", status).Inc()
		metrics.CrawlRunDuration.WithLabelValues("detail").Observe(time.Since(start).Seconds())
	}()

	raw, err := s.interceptOnPage(ctx, ItemURL(itemID), PatternItemDetail)
	if err != nil {
		return nil, err
	}

	detail, err := ParseItemDetail(raw)
	if err != nil {
		return nil, err
	}
	status = "success"
	s.logger.Info("item detail crawled", slog.String("item_id", itemID))
	return detail, nil
}

// CrawlUserHead 打开卖家主页并拦截头部信息接口响应。
func (s *Service) CrawlUserHead(ctx context.Context, userID string) (*model.UserHead, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	status := "error"
	defer func() {
		metrics.CrawlRunsTotal.WithLabelValues("user", status).Inc()
		metrics.CrawlRunDuration.WithLabelValues("user").Observe(time.Since(start).Seconds())
	}()

	target := fmt.Sprintf("https://www.goofish.com/personal?userId=%s", userID)
	raw, err := s.interceptOnPage(ctx, target, PatternUserHead)
	if err != nil {
		return nil, err
	}

	head, err := ParseUserHead(raw)
	if err != nil {
		return nil, err
	}
	status = "success"
	s.logger.Info("user head crawled", slog.String("user_id", userID))
	return head, nil
}

// interceptOnPage 启动浏览器、打开 target 并拦截 pattern 对应的接口响应。
// 单页直达场景的公共骨架。
func (s *Service) interceptOnPage(ctx context.Context, target, pattern string) ([]byte, error) {
	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}

	browser, l, err := s.startBrowser()
	if err != nil {
		return nil, err
	}
	defer s.teardown(browser, l)

	if err := s.loadCookies(browser); err != nil {
		s.logger.Warn("load login cookies failed", slog.Any("error", err))
	}

	page, err := s.newPage(browser)
	if err != nil {
		return nil, err
	}

	raw, err := waitResponse(ctx, page, pattern, firstResponseTimeout, func() error {
		return page.Timeout(navigateTimeout).Navigate(target)
	})
	if err != nil {
		if s.botChallenged(page) {
			metrics.BotChallengeTotal.Inc()
			return nil, fmt.Errorf("bot challenge on %s", target)
		}
		return nil, err
	}
	return raw, nil
}
