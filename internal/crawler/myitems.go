package crawler

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/metrics"

	"github.com/go-rod/rod"
)

const (
	myItemsURL = "https://www.goofish.com/my-selling"

	cardWaitTimeout = 15 * time.Second
	maxScrollRounds = 10
)

// MyItemsOutcome 是"我的闲置"同步爬取的结果。
type MyItemsOutcome struct {
	Items            []model.MyItemSummary `json:"items"`
	Stopped          bool                  `json:"stopped"`
	NotAuthenticated bool                  `json:"not_authenticated"`
}

func (o *MyItemsOutcome) statusLabel() string {
	switch {
	case o.NotAuthenticated:
		return "not_authenticated"
	case o.Stopped:
		return "stopped"
	default:
		return "success"
	}
}

// CrawlMyItems 抓取当前登录账号"我的闲置"列表。
//
// 商品卡片来自 DOM 抽取而非接口拦截：该页面数据接口字段随登录态变化，
// 卡片结构反而更稳定。列表靠滚动加载，循环滚动合并直到不再出现新商品。
func (s *Service) CrawlMyItems(ctx context.Context) (*MyItemsOutcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	outcome := &MyItemsOutcome{}
	defer func() {
		metrics.CrawlRunsTotal.WithLabelValues("my_items", outcome.statusLabel()).Inc()
		metrics.CrawlRunDuration.WithLabelValues("my_items").Observe(time.Since(start).Seconds())
	}()

	loggedIn, err := s.CheckLoginState()
	if err != nil {
		return nil, err
	}
	if !loggedIn {
		s.report("本地没有登录态，请先扫码登录")
		outcome.NotAuthenticated = true
		return outcome, nil
	}

	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}

	browser, l, err := s.startBrowser()
	if err != nil {
		return nil, err
	}
	defer s.teardown(browser, l)

	if err := s.loadCookies(browser); err != nil {
		return nil, err
	}

	page, err := s.newPage(browser)
	if err != nil {
		return nil, err
	}

	s.report("步骤 1: 打开我的闲置页面...")
	if err := page.Timeout(navigateTimeout).Navigate(myItemsURL); err != nil {
		return nil, err
	}
	if err := page.Timeout(navigateTimeout).WaitLoad(); err != nil {
		s.logger.Warn("my items page load slow", slog.Any("error", err))
	}
	_ = s.pause(ctx, s.cfg.Delays.PageLoadMin, s.cfg.Delays.PageLoadMax)

	// 登录态失效时页面会被重定向到登录页
	if info, err := page.Info(); err == nil && isLoginRedirect(info.URL) {
		s.report("登录态已失效，需要重新扫码登录")
		outcome.NotAuthenticated = true
		return outcome, nil
	}

	if _, err := page.Timeout(cardWaitTimeout).Element(`div[class*="item-card"]`); err != nil {
		// 没有卡片说明账号下没有在售商品
		s.report("页面上没有商品卡片，同步结束")
		return outcome, nil
	}

	for round := 0; round < maxScrollRounds; round++ {
		if s.stopRequested() {
			outcome.Stopped = true
			return outcome, nil
		}
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		found := s.extractCards(page)
		merged, added := mergeSummaries(outcome.Items, found)
		outcome.Items = merged
		s.report("第 %d 轮抽取到 %d 张卡片（新增 %d）", round+1, len(found), added)

		if added == 0 && round > 0 {
			break
		}

		if _, err := page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			s.logger.Debug("scroll failed", slog.Any("error", err))
			break
		}
		if err := s.pause(ctx, s.cfg.Delays.ScrollMin, s.cfg.Delays.ScrollMax); err != nil {
			return outcome, err
		}
	}

	s.report("同步完成: 共 %d 件在售商品", len(outcome.Items))
	s.logger.Info("my items crawl finished", slog.Int("items", len(outcome.Items)))
	return outcome, nil
}

// extractCards 从当前 DOM 抽取所有商品卡片摘要。
func (s *Service) extractCards(page *rod.Page) []model.MyItemSummary {
	cards, err := page.Elements(`div[class*="item-card"]`)
	if err != nil {
		s.logger.Warn("card query failed", slog.Any("error", err))
		return nil
	}

	out := make([]model.MyItemSummary, 0, len(cards))
	for _, card := range cards {
		summary, ok := cardSummary(card)
		if !ok {
			continue
		}
		out = append(out, summary)
	}
	return out
}

// cardSummary 抽取单张卡片。没有可用商品 ID 的卡片被丢弃。
func cardSummary(card *rod.Element) (model.MyItemSummary, bool) {
	href := ""
	if anchor, err := card.Element("a"); err == nil {
		if v, err := anchor.Attribute("href"); err == nil && v != nil {
			href = *v
		}
	}
	id := itemIDFromHref(href)
	if id == "" {
		return model.MyItemSummary{}, false
	}

	summary := model.MyItemSummary{
		ItemID: id,
		Title:  textOf(card, `[class*="title"]`),
		Price:  textOf(card, `[class*="price"]`),
		Status: textOf(card, `[class*="status"]`),
	}
	if img, err := card.Element("img"); err == nil {
		if v, err := img.Attribute("src"); err == nil && v != nil {
			summary.ImageURL = *v
		}
	}

	if text, err := card.Text(); err == nil {
		summary.ViewCount = countAfter(text, "浏览")
		summary.WantCount = countAfter(text, "想要")
	}
	return summary, true
}

func textOf(card *rod.Element, selector string) string {
	el, err := card.Element(selector)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

var itemIDFallbackRe = regexp.MustCompile(`(\d{10,})`)

// itemIDFromHref 从卡片链接中提取商品 ID。
// 优先取 id 查询参数，链接形态变化时退回从路径里找长数字。
func itemIDFromHref(href string) string {
	if href == "" {
		return ""
	}
	if u, err := url.Parse(href); err == nil {
		if id := u.Query().Get("id"); id != "" {
			return id
		}
	}
	if m := itemIDFallbackRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

var countRe = regexp.MustCompile(`[^\d]*(\d+)`)

// countAfter 在卡片文本里定位 label 后面的第一个数字。
func countAfter(text, label string) int {
	idx := strings.Index(text, label)
	if idx < 0 {
		return 0
	}
	rest := text[idx+len(label):]
	m := countRe.FindStringSubmatch(rest)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// mergeSummaries 按商品 ID 合并两批卡片，返回合并结果与新增数量。
func mergeSummaries(existing, found []model.MyItemSummary) ([]model.MyItemSummary, int) {
	seen := make(map[string]bool, len(existing))
	for _, it := range existing {
		seen[it.ItemID] = true
	}
	added := 0
	for _, it := range found {
		if it.ItemID == "" || seen[it.ItemID] {
			continue
		}
		seen[it.ItemID] = true
		existing = append(existing, it)
		added++
	}
	return existing, added
}

// isLoginRedirect 判断页面是否被重定向到了登录页。
func isLoginRedirect(pageURL string) bool {
	return strings.Contains(pageURL, "passport") || strings.Contains(pageURL, "login")
}
