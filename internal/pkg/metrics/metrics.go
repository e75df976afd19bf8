// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CrawlRunsTotal 按类型（search / my_items）与结果统计爬取次数。
	CrawlRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xianyutracker_crawl_runs_total",
		Help: "Total crawl runs by kind and status.",
	}, []string{"kind", "status"})

	// CrawlRunDuration 爬取耗时分布。
	CrawlRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xianyutracker_crawl_run_duration_seconds",
		Help:    "Crawl run duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"kind"})

	// CrawlPagesTotal 成功解析的搜索结果页数。
	CrawlPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xianyutracker_crawl_pages_total",
		Help: "Total search result pages parsed.",
	})

	// CrawlItemsTotal 解析出的商品条数。
	CrawlItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xianyutracker_crawl_items_total",
		Help: "Total items extracted from intercepted responses.",
	})

	// BrowserActive 当前存活的浏览器实例数（0 或 1）。
	BrowserActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xianyutracker_browser_active",
		Help: "Number of live browser instances.",
	})

	// BotChallengeTotal 命中反爬验证弹窗的次数。
	BotChallengeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xianyutracker_bot_challenge_total",
		Help: "Times the anti-bot challenge overlay was detected.",
	})

	// QRSessionsTotal 按终态统计二维码登录会话。
	QRSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xianyutracker_qr_sessions_total",
		Help: "QR login sessions by terminal status.",
	}, []string{"status"})

	// QRSessionsActive 当前未到终态的二维码会话数。
	QRSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xianyutracker_qr_sessions_active",
		Help: "QR login sessions currently being polled.",
	})

	// RateLimitWaitDuration 限流等待耗时。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xianyutracker_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the politeness rate limiter.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 限流等待超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xianyutracker_ratelimit_timeout_total",
		Help: "Rate limit waits that hit the context deadline.",
	})
)
