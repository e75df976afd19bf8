package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	Store   StoreConfig   `json:"store"`
	Redis   RedisConfig   `json:"redis"`
	Browser BrowserConfig `json:"browser"`
	Login   LoginConfig   `json:"login"`
	Email   EmailConfig   `json:"email"`
	Delays  DelayConfig   `json:"delays"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	ScheduleInterval time.Duration `json:"schedule_interval"` // 定时任务轮询间隔
	DedupWindow      time.Duration `json:"dedup_window"`      // 新商品通知去重窗口
	RateLimit        float64       `json:"rate_limit"`        // 礼貌性限流速率（token/s），0 表示关闭
	RateBurst        float64       `json:"rate_burst"`        // 限流桶容量
	LogBufferSize    int           `json:"log_buffer_size"`   // 进度日志环形缓冲区容量
}

// StoreConfig 本地 SQLite 存储配置。
type StoreConfig struct {
	Path string `json:"path"` // 数据库文件路径
}

// RedisConfig Redis 配置。Addr 为空时禁用去重窗口与限流。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// BrowserConfig 爬虫浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径，为空则自动下载
	Headless bool   `json:"headless"` // 非无头模式更不容易被检测
	ProxyURL string `json:"proxy_url"`
}

// LoginConfig 登录态配置。
type LoginConfig struct {
	StatePath string `json:"state_path"` // 登录态（storage state）文件路径
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// DelayConfig 模拟真人操作的随机延迟上下界。
type DelayConfig struct {
	PageLoadMin     time.Duration `json:"page_load_min"`
	PageLoadMax     time.Duration `json:"page_load_max"`
	ScrollMin       time.Duration `json:"scroll_min"`
	ScrollMax       time.Duration `json:"scroll_max"`
	FilterClickMin  time.Duration `json:"filter_click_min"`
	FilterClickMax  time.Duration `json:"filter_click_max"`
	BetweenPagesMin time.Duration `json:"between_pages_min"`
	BetweenPagesMax time.Duration `json:"between_pages_max"`
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认值；无论如何环境变量都可以覆盖。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8000",
			ScheduleInterval: 5 * time.Minute,
			DedupWindow:      24 * time.Hour,
			RateLimit:        0,
			RateBurst:        0,
			LogBufferSize:    200,
		},
		Store: StoreConfig{
			Path: "data/xianyu.db",
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
		},
		Browser: BrowserConfig{
			BinPath:  "",
			Headless: false, // 默认非无头，降低被检测概率
			ProxyURL: "",
		},
		Login: LoginConfig{
			StatePath: "data/xianyu_state.json",
		},
		Email: EmailConfig{
			SMTPHost: "",
			SMTPPort: 587,
		},
		Delays: DelayConfig{
			PageLoadMin:     3 * time.Second,
			PageLoadMax:     6 * time.Second,
			ScrollMin:       1 * time.Second,
			ScrollMax:       2 * time.Second,
			FilterClickMin:  2 * time.Second,
			FilterClickMax:  4 * time.Second,
			BetweenPagesMin: 25 * time.Second,
			BetweenPagesMax: 50 * time.Second,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ScheduleInterval == 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.LogBufferSize == 0 {
		cfg.App.LogBufferSize = defaults.App.LogBufferSize
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Login.StatePath == "" {
		cfg.Login.StatePath = defaults.Login.StatePath
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	fillDelay := func(dst *time.Duration, def time.Duration) {
		if *dst == 0 {
			*dst = def
		}
	}
	fillDelay(&cfg.Delays.PageLoadMin, defaults.Delays.PageLoadMin)
	fillDelay(&cfg.Delays.PageLoadMax, defaults.Delays.PageLoadMax)
	fillDelay(&cfg.Delays.ScrollMin, defaults.Delays.ScrollMin)
	fillDelay(&cfg.Delays.ScrollMax, defaults.Delays.ScrollMax)
	fillDelay(&cfg.Delays.FilterClickMin, defaults.Delays.FilterClickMin)
	fillDelay(&cfg.Delays.FilterClickMax, defaults.Delays.FilterClickMax)
	fillDelay(&cfg.Delays.BetweenPagesMin, defaults.Delays.BetweenPagesMin)
	fillDelay(&cfg.Delays.BetweenPagesMax, defaults.Delays.BetweenPagesMax)
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.DedupWindow = d
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LOGIN_STATE_PATH"); v != "" {
		cfg.Login.StatePath = v
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("CRAWLER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持 "5m" 形式的 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		DedupWindow      string `json:"dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScheduleInterval != "" {
		d, err := time.ParseDuration(aux.ScheduleInterval)
		if err != nil {
			return fmt.Errorf("invalid schedule_interval format: %w", err)
		}
		a.ScheduleInterval = d
	}
	if aux.DedupWindow != "" {
		d, err := time.ParseDuration(aux.DedupWindow)
		if err != nil {
			return fmt.Errorf("invalid dedup_window format: %w", err)
		}
		a.DedupWindow = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScheduleInterval string `json:"schedule_interval"`
		DedupWindow      string `json:"dedup_window"`
		*Alias
	}{
		ScheduleInterval: a.ScheduleInterval.String(),
		DedupWindow:      a.DedupWindow.String(),
		Alias:            (*Alias)(&a),
	})
}

// UnmarshalJSON 支持 "3s" 形式的延迟配置。
func (d *DelayConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := func(key string, dst *time.Duration) error {
		v, ok := raw[key]
		if !ok || v == "" {
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", key, err)
		}
		*dst = parsed
		return nil
	}
	for key, dst := range map[string]*time.Duration{
		"page_load_min":     &d.PageLoadMin,
		"page_load_max":     &d.PageLoadMax,
		"scroll_min":        &d.ScrollMin,
		"scroll_max":        &d.ScrollMax,
		"filter_click_min":  &d.FilterClickMin,
		"filter_click_max":  &d.FilterClickMax,
		"between_pages_min": &d.BetweenPagesMin,
		"between_pages_max": &d.BetweenPagesMax,
	} {
		if err := set(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 将延迟配置输出为字符串形式。
func (d DelayConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"page_load_min":     d.PageLoadMin.String(),
		"page_load_max":     d.PageLoadMax.String(),
		"scroll_min":        d.ScrollMin.String(),
		"scroll_max":        d.ScrollMax.String(),
		"filter_click_min":  d.FilterClickMin.String(),
		"filter_click_max":  d.FilterClickMax.String(),
		"between_pages_min": d.BetweenPagesMin.String(),
		"between_pages_max": d.BetweenPagesMax.String(),
	})
}
