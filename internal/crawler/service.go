// Package crawler 驱动真实浏览器抓取闲鱼页面，通过拦截接口响应获得结构化数据。
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/config"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/jitter"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/metrics"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/progress"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/ratelimit"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrAlreadyRunning 表示已有爬取在进行中。同一时刻只允许一个浏览器会话。
var ErrAlreadyRunning = errors.New("crawler: a crawl is already running")

// 模拟中端安卓机，移动端页面结构更简单且风控阈值更宽松。
const mobileUA = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36"

// 补充 stealth.JS 未覆盖的指纹特征。
const antiDetectJS = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh'] });
Object.defineProperty(navigator, 'maxTouchPoints', { get: () => 5 });
window.chrome = { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : originalQuery(parameters)
);
`

// Service 是爬虫服务。同一时刻最多驱动一个浏览器会话。
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	reporter progress.Reporter
	state    *StateFile
	limiter  *ratelimit.RateLimiter

	running atomic.Bool
	stop    atomic.Bool
}

// NewService 创建爬虫服务。
func NewService(cfg *config.Config, logger *slog.Logger, reporter progress.Reporter, state *StateFile, limiter *ratelimit.RateLimiter) *Service {
	if reporter == nil {
		reporter = progress.Discard
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		reporter: reporter,
		state:    state,
		limiter:  limiter,
	}
}

// Running 报告是否有爬取在进行中。
func (s *Service) Running() bool { return s.running.Load() }

// Stop 请求停止当前爬取。爬取会在下一个检查点优雅退出。
func (s *Service) Stop() {
	if s.running.Load() {
		s.stop.Store(true)
		s.logger.Info("crawl stop requested")
	}
}

func (s *Service) stopRequested() bool { return s.stop.Load() }

// begin 尝试获取运行权，失败返回 ErrAlreadyRunning。
func (s *Service) begin() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.stop.Store(false)
	return nil
}

func (s *Service) end() {
	s.running.Store(false)
	s.stop.Store(false)
}

// CheckLoginState 报告本地登录态文件是否包含闲鱼/淘宝域 Cookie。
func (s *Service) CheckLoginState() (bool, error) {
	state, err := s.state.Load()
	if err != nil {
		return false, err
	}
	return state.HasMarketCookies(), nil
}

// StateFile 返回登录态文件管理器。
func (s *Service) StateFile() *StateFile { return s.state }

// startBrowser 启动浏览器并建立 CDP 连接。
func (s *Service) startBrowser() (*rod.Browser, *launcher.Launcher, error) {
	l := launcher.New().
		Headless(s.cfg.Browser.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-infobars").
		Set("window-size", "412,915").
		Set("lang", "zh-CN")

	if s.cfg.Browser.BinPath != "" {
		l = l.Bin(s.cfg.Browser.BinPath)
	}
	if s.cfg.Browser.ProxyURL != "" {
		l = l.Proxy(s.cfg.Browser.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}

	metrics.BrowserActive.Inc()
	s.logger.Info("browser started",
		slog.Bool("headless", s.cfg.Browser.Headless),
		slog.String("bin", s.cfg.Browser.BinPath))
	return browser, l, nil
}

// teardown 无条件关闭浏览器并清理临时目录。
func (s *Service) teardown(browser *rod.Browser, l *launcher.Launcher) {
	if browser != nil {
		if err := browser.Close(); err != nil {
			s.logger.Warn("browser close failed", slog.Any("error", err))
		}
	}
	if l != nil {
		l.Cleanup()
	}
	metrics.BrowserActive.Dec()
	s.logger.Info("browser closed")
}

// newPage 创建一个已注入反检测脚本并完成移动端仿真的页面。
func (s *Service) newPage(browser *rod.Browser) (*rod.Page, error) {
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return nil, fmt.Errorf("inject stealth script: %w", err)
	}
	if _, err := page.EvalOnNewDocument(antiDetectJS); err != nil {
		return nil, fmt.Errorf("inject anti-detect script: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      mobileUA,
		AcceptLanguage: "zh-CN,zh;q=0.9",
	}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             412,
		Height:            915,
		DeviceScaleFactor: 2.625,
		Mobile:            true,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set device metrics: %w", err)
	}
	if err := touchEmulation().Call(page); err != nil {
		return nil, fmt.Errorf("enable touch emulation: %w", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: "Asia/Shanghai"}).Call(page); err != nil {
		return nil, fmt.Errorf("set timezone: %w", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: "zh-CN"}).Call(page); err != nil {
		return nil, fmt.Errorf("set locale: %w", err)
	}

	return page, nil
}

// touchEmulation 构造移动端触摸仿真参数。MaxTouchPoints 在 CDP 里是可选字段，
// 必须显式传指针才会生效。
func touchEmulation() *proto.EmulationSetTouchEmulationEnabled {
	points := 5
	return &proto.EmulationSetTouchEmulationEnabled{
		Enabled:        true,
		MaxTouchPoints: &points,
	}
}

// loadCookies 把登录态文件中的 Cookie 注入浏览器。
func (s *Service) loadCookies(browser *rod.Browser) error {
	state, err := s.state.Load()
	if err != nil {
		return err
	}
	if state == nil || len(state.Cookies) == 0 {
		return nil
	}

	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}

	if err := browser.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	s.logger.Debug("login cookies loaded", slog.Int("count", len(params)))
	return nil
}

// botChallenged 探测页面上是否弹出了风控验证遮罩。
func (s *Service) botChallenged(page *rod.Page) bool {
	probe := page.Timeout(2 * time.Second)
	el, err := probe.Element("div.baxia-dialog-mask")
	if err != nil {
		return false
	}
	visible, err := el.Visible()
	return err == nil && visible
}

// pause 按配置的延迟区间随机停顿，模拟真人操作节奏。
func (s *Service) pause(ctx context.Context, min, max time.Duration) error {
	return jitter.Sleep(ctx, min, max)
}

// acquireSlot 通过限流器获取一次爬取许可。限流未启用时立即返回。
func (s *Service) acquireSlot(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Acquire(ctx)
}

func (s *Service) report(format string, args ...any) {
	s.reporter.Report(fmt.Sprintf(format, args...))
}
