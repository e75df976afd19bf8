package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/mazen160/go-random"
)

const (
	homeURL       = "https://www.goofish.com"
	searchURLBase = "https://www.goofish.com/search"

	firstResponseTimeout  = 30 * time.Second
	filterResponseTimeout = 20 * time.Second
	navigateTimeout       = 60 * time.Second
)

// SearchRequest 描述一次关键词搜索爬取。
type SearchRequest struct {
	Keyword      string   `json:"keyword"`
	MaxPages     int      `json:"max_pages"`
	MinPrice     *float64 `json:"min_price"`
	MaxPrice     *float64 `json:"max_price"`
	PersonalOnly bool     `json:"personal_only"`
}

// Outcome 是一次搜索爬取的结果。
//
// 风控弹窗、响应超时和外部停止都不是硬错误：已抓到的部分结果照常返回，
// 由对应标志位说明爬取为何提前结束。
type Outcome struct {
	Items        []model.CrawledItem `json:"items"`
	Pages        int                 `json:"pages"`
	Stopped      bool                `json:"stopped"`
	BotChallenge bool                `json:"bot_challenge"`
	TimedOut     bool                `json:"timed_out"`
}

func (o *Outcome) statusLabel() string {
	switch {
	case o.BotChallenge:
		return "bot_challenge"
	case o.TimedOut:
		return "timeout"
	case o.Stopped:
		return "stopped"
	default:
		return "success"
	}
}

// Search 执行关键词搜索爬取。
//
// 同一时刻只允许一次爬取，冲突时返回 ErrAlreadyRunning。浏览器启动失败
// 等硬错误通过 error 返回；其余软失败都体现在 Outcome 的标志位上。
func (s *Service) Search(ctx context.Context, req SearchRequest) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	if req.MaxPages <= 0 {
		req.MaxPages = 1
	}

	start := time.Now()
	outcome := &Outcome{}
	defer func() {
		metrics.CrawlRunsTotal.WithLabelValues("search", outcome.statusLabel()).Inc()
		metrics.CrawlRunDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
		metrics.CrawlPagesTotal.Add(float64(outcome.Pages))
		metrics.CrawlItemsTotal.Add(float64(len(outcome.Items)))
	}()

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

	s.report("步骤 0: 访问首页模拟真实用户...")
	s.warmup(ctx, page)

	if s.stopRequested() {
		outcome.Stopped = true
		return outcome, nil
	}

	s.report("步骤 1: 打开搜索页 关键词=%s...", req.Keyword)
	seen := map[string]bool{}
	target := buildSearchURL(req.Keyword)
	raw, err := waitResponse(ctx, page, PatternSearch, firstResponseTimeout, func() error {
		return page.Timeout(navigateTimeout).Navigate(target)
	})
	if err != nil {
		if s.botChallenged(page) {
			s.markBotChallenge(outcome)
			return outcome, nil
		}
		if errors.Is(err, ErrResponseTimeout) {
			s.report("搜索接口响应超时，返回已获得的结果")
			outcome.TimedOut = true
			return outcome, nil
		}
		return nil, fmt.Errorf("open search page: %w", err)
	}
	s.mergePage(outcome, seen, raw)

	if s.botChallenged(page) {
		s.markBotChallenge(outcome)
		return outcome, nil
	}

	// 筛选项逐个应用，任何一项失败都只降级不中断
	s.applyFilters(ctx, page, req, outcome, seen)

	for pageNo := 2; pageNo <= req.MaxPages; pageNo++ {
		if s.stopRequested() {
			s.report("收到停止请求，结束翻页")
			outcome.Stopped = true
			return outcome, nil
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		s.report("步骤 3: 等待翻页间隔后抓取第 %d 页...", pageNo)
		if err := s.pause(ctx, s.cfg.Delays.BetweenPagesMin, s.cfg.Delays.BetweenPagesMax); err != nil {
			return outcome, err
		}

		next, err := page.Timeout(5 * time.Second).
			Element(`[class*="search-pagination-arrow-right"]:not([class*="disabled"])`)
		if err != nil {
			s.report("没有下一页，爬取结束")
			break
		}

		raw, err := waitResponse(ctx, page, PatternSearch, firstResponseTimeout, func() error {
			return next.Click(proto.InputMouseButtonLeft, 1)
		})
		if err != nil {
			if s.botChallenged(page) {
				s.markBotChallenge(outcome)
				return outcome, nil
			}
			s.report("第 %d 页响应超时，返回已获得的结果", pageNo)
			outcome.TimedOut = true
			return outcome, nil
		}
		s.mergePage(outcome, seen, raw)
	}

	s.report("爬取完成: 共 %d 页 %d 件商品", outcome.Pages, len(outcome.Items))
	s.logger.Info("search crawl finished",
		slog.String("keyword", req.Keyword),
		slog.Int("pages", outcome.Pages),
		slog.Int("items", len(outcome.Items)),
		slog.String("status", outcome.statusLabel()))
	return outcome, nil
}

// warmup 先访问首页并随机滚动，让会话看起来更像真人。
func (s *Service) warmup(ctx context.Context, page *rod.Page) {
	if err := page.Timeout(navigateTimeout).Navigate(homeURL); err != nil {
		s.logger.Warn("home warmup navigate failed", slog.Any("error", err))
		return
	}
	if err := page.Timeout(navigateTimeout).WaitLoad(); err != nil {
		s.logger.Warn("home warmup load failed", slog.Any("error", err))
	}

	distance, _ := random.IntRange(300, 800)
	if _, err := page.Eval(`(y) => window.scrollBy(0, y)`, distance); err != nil {
		s.logger.Debug("warmup scroll failed", slog.Any("error", err))
	}
	_ = s.pause(ctx, s.cfg.Delays.PageLoadMin, s.cfg.Delays.PageLoadMax)
}

// applyFilters 依次应用排序、个人闲置与价格区间筛选。
// 每个筛选都会触发一次新的搜索请求，用拦截到的新响应替换当前结果。
//
// 最新发布排序始终应用：蹲守场景只关心新出现的商品，默认排序会把老商品
// 顶在前面导致每页都是重复内容。
func (s *Service) applyFilters(ctx context.Context, page *rod.Page, req SearchRequest, outcome *Outcome, seen map[string]bool) {
	s.report("步骤 2: 应用排序 最新发布...")
	s.applyFilter(ctx, page, outcome, seen, "sort", func() error {
		entry, err := page.Timeout(5 * time.Second).ElementR("div,span", "新发布")
		if err != nil {
			return err
		}
		if err := entry.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return err
		}
		if err := s.pause(ctx, time.Second, 2*time.Second); err != nil {
			return err
		}
		latest, err := page.Timeout(5 * time.Second).ElementR("div,span", "最新")
		if err != nil {
			return err
		}
		return latest.Click(proto.InputMouseButtonLeft, 1)
	})

	if req.PersonalOnly {
		s.report("步骤 2: 应用筛选 个人闲置...")
		s.applyFilter(ctx, page, outcome, seen, "personal", func() error {
			tab, err := page.Timeout(5 * time.Second).ElementR("div,span", "个人闲置")
			if err != nil {
				return err
			}
			return tab.Click(proto.InputMouseButtonLeft, 1)
		})
	}

	if req.MinPrice != nil || req.MaxPrice != nil {
		s.report("步骤 2: 应用价格区间筛选...")
		s.applyFilter(ctx, page, outcome, seen, "price", func() error {
			inputs, err := page.Timeout(5 * time.Second).
				Elements(`div[class*="search-price-input-container"] input`)
			if err != nil {
				return err
			}
			if len(inputs) < 2 {
				return fmt.Errorf("price inputs not found: got %d", len(inputs))
			}
			if req.MinPrice != nil {
				if err := inputs[0].Input(formatPrice(*req.MinPrice)); err != nil {
					return err
				}
			}
			if req.MaxPrice != nil {
				if err := inputs[1].Input(formatPrice(*req.MaxPrice)); err != nil {
					return err
				}
			}
			// Tab 使输入框失焦，触发页面发起新的搜索请求
			return page.Keyboard.Type(input.Tab)
		})
	}
}

// applyFilter 执行单个筛选动作并等待新的搜索响应。失败只记录并保留现有结果。
func (s *Service) applyFilter(ctx context.Context, page *rod.Page, outcome *Outcome, seen map[string]bool, name string, trigger func() error) {
	if err := s.pause(ctx, s.cfg.Delays.FilterClickMin, s.cfg.Delays.FilterClickMax); err != nil {
		return
	}

	raw, err := waitResponse(ctx, page, PatternSearch, filterResponseTimeout, trigger)
	if err != nil {
		s.logger.Warn("filter apply failed, keeping unfiltered results",
			slog.String("filter", name), slog.Any("error", err))
		s.report("筛选 %s 应用失败，保留当前结果", name)
		return
	}

	// 筛选后的列表是全新结果集，替换而非追加
	items, err := ParseSearchResults(raw)
	if err != nil {
		s.logger.Warn("filter response unparsable", slog.String("filter", name), slog.Any("error", err))
		return
	}
	outcome.Items = outcome.Items[:0]
	for k := range seen {
		delete(seen, k)
	}
	for _, it := range items {
		if !seen[it.ItemID] {
			seen[it.ItemID] = true
			outcome.Items = append(outcome.Items, it)
		}
	}
}

// mergePage 解析一页响应并按商品 ID 去重后并入结果。
func (s *Service) mergePage(outcome *Outcome, seen map[string]bool, raw []byte) {
	items, err := ParseSearchResults(raw)
	if err != nil {
		s.logger.Warn("search response unparsable", slog.Any("error", err))
		return
	}
	added := 0
	for _, it := range items {
		if seen[it.ItemID] {
			continue
		}
		seen[it.ItemID] = true
		outcome.Items = append(outcome.Items, it)
		added++
	}
	outcome.Pages++
	s.report("第 %d 页解析到 %d 件商品（新增 %d）", outcome.Pages, len(items), added)
}

func (s *Service) markBotChallenge(outcome *Outcome) {
	outcome.BotChallenge = true
	metrics.BotChallengeTotal.Inc()
	s.report("检测到风控验证弹窗，提前结束")
	s.logger.Warn("bot challenge detected, aborting crawl")
}

// buildSearchURL 构造搜索页地址。
func buildSearchURL(keyword string) string {
	return searchURLBase + "?q=" + url.QueryEscape(keyword)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
