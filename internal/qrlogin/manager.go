package qrlogin

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/mazen160/go-random"
	qrcode "github.com/skip2/go-qrcode"
)

// 闲鱼扫码登录相关端点。
const (
	defaultTokenURL     = "https://h5api.m.goofish.com/h5/mtop.gaia.nodejs.gaia.idle.data.gw.v2.index.get/1.0/"
	defaultLoginFormURL = "https://passport.goofish.com/mini_login.htm"
	defaultGenerateURL  = "https://passport.goofish.com/newlogin/qrcode/generate.do"
	defaultQueryURL     = "https://passport.goofish.com/newlogin/qrcode/query.do"

	mtopAppKey = "34839810"
	mtopAPI    = "mtop.gaia.nodejs.gaia.idle.data.gw.v2.index.get"
)

// ErrSessionNotFound 表示指定的扫码会话不存在或已被清理。
var ErrSessionNotFound = errors.New("qr session not found")

// ErrNotConfirmed 表示会话尚未登录成功，Cookie 不可用。
var ErrNotConfirmed = errors.New("qr session not confirmed")

// StateWriter 在扫码登录成功后持久化捕获的 Cookie。
type StateWriter interface {
	SaveCookieMap(cookies map[string]string) error
}

// Manager 管理扫码登录会话的全生命周期。
type Manager struct {
	logger *slog.Logger
	state  StateWriter

	tokenURL     string
	loginFormURL string
	generateURL  string
	queryURL     string

	pollInterval time.Duration
	errorBackoff time.Duration
	pollCeiling  time.Duration

	janitorInterval time.Duration
	janitorKeep     time.Duration

	sessions   syncSessionMap
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// Option 定制 Manager。
type Option func(*Manager)

// WithEndpoints 覆盖登录端点，测试时指向 httptest 服务。
func WithEndpoints(tokenURL, loginFormURL, generateURL, queryURL string) Option {
	return func(m *Manager) {
		m.tokenURL = tokenURL
		m.loginFormURL = loginFormURL
		m.generateURL = generateURL
		m.queryURL = queryURL
	}
}

// WithPollInterval 覆盖轮询节奏，测试时加速。
func WithPollInterval(interval, backoff, ceiling time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = interval
		m.errorBackoff = backoff
		m.pollCeiling = ceiling
	}
}

// WithJanitor 覆盖会话清扫节奏。
func WithJanitor(interval, keep time.Duration) Option {
	return func(m *Manager) {
		m.janitorInterval = interval
		m.janitorKeep = keep
	}
}

// NewManager 创建扫码登录管理器并启动后台清扫协程。
func NewManager(logger *slog.Logger, state StateWriter, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:          logger,
		state:           state,
		tokenURL:        defaultTokenURL,
		loginFormURL:    defaultLoginFormURL,
		generateURL:     defaultGenerateURL,
		queryURL:        defaultQueryURL,
		pollInterval:    800 * time.Millisecond,
		errorBackoff:    2 * time.Second,
		pollCeiling:     sessionTTL,
		janitorInterval: time.Minute,
		janitorKeep:     10 * time.Minute,
		rootCtx:         ctx,
		rootCancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Close 停止清扫协程并取消所有轮询协程，未到终态的会话标记为已取消。
func (m *Manager) Close() {
	m.rootCancel()
}

// GenerateCode 创建一个新的扫码会话：完成 token 握手、拉取登录表单、
// 生成二维码，并启动后台轮询协程。
func (m *Manager) GenerateCode(ctx context.Context) (*Session, error) {
	client := resty.New().
		SetTimeout(20 * time.Second).
		SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36").
		SetHeader("Referer", "https://www.goofish.com/")

	sess := newSession(uuid.NewString(), time.Now())

	if err := m.bootstrapToken(ctx, client, sess); err != nil {
		return nil, fmt.Errorf("bootstrap mtop token: %w", err)
	}

	form, err := m.fetchLoginForm(ctx, client, sess)
	if err != nil {
		return nil, fmt.Errorf("fetch login form: %w", err)
	}
	form["umidTag"] = "SERVER"

	codeContent, err := m.generateQRCode(ctx, client, sess, form)
	if err != nil {
		return nil, fmt.Errorf("generate qr code: %w", err)
	}

	png, err := qrcode.Encode(codeContent, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("render qr image: %w", err)
	}
	sess.setQRImage("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))

	m.sessions.store(sess.ID, sess)
	metrics.QRSessionsActive.Inc()

	go m.poll(client, sess)

	m.logger.Info("qr login session created", slog.String("session_id", sess.ID))
	return sess, nil
}

// GetStatus 查询会话状态。
func (m *Manager) GetStatus(id string) (Status, error) {
	sess, ok := m.sessions.load(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	return sess.Status(time.Now()), nil
}

// GetSession 返回会话本体，供 API 层读取二维码图片等信息。
func (m *Manager) GetSession(id string) (*Session, error) {
	sess, ok := m.sessions.load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetCookies 返回登录成功会话捕获的 Cookie。
func (m *Manager) GetCookies(id string) (map[string]string, error) {
	sess, ok := m.sessions.load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status(time.Now()) != StatusSuccess {
		return nil, ErrNotConfirmed
	}
	return sess.Cookies(), nil
}

// bootstrapToken 完成 mtop 的 _m_h5_tk token 握手。
//
// 首次请求必然因签名无效被拒，但响应会下发 token cookie；用该 token
// 计算签名后重放一次，使 cookie jar 进入可用状态。握手各步下发的
// Cookie 都并入会话，登录态导出时 token cookie 要一并带上。
func (m *Manager) bootstrapToken(ctx context.Context, client *resty.Client, sess *Session) error {
	first, err := client.R().SetContext(ctx).Get(m.tokenURL)
	if err != nil {
		return err
	}
	sess.mergeCookies(cookieMap(first.Cookies()))

	token := ""
	for _, c := range first.Cookies() {
		if c.Name == "_m_h5_tk" {
			if idx := strings.Index(c.Value, "_"); idx > 0 {
				token = c.Value[:idx]
			}
		}
	}
	if token == "" {
		return errors.New("no _m_h5_tk cookie in bootstrap response")
	}

	dataStr := `{"bizScene":"home"}`
	t := fmt.Sprintf("%d", time.Now().UnixMilli())
	sign := md5Hex(token + "&" + t + "&" + mtopAppKey + "&" + dataStr)

	second, err := client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"jsv":      "2.7.2",
			"appKey":   mtopAppKey,
			"t":        t,
			"sign":     sign,
			"v":        "1.0",
			"type":     "originaljson",
			"dataType": "json",
			"timeout":  "20000",
			"api":      mtopAPI,
		}).
		SetFormData(map[string]string{"data": dataStr}).
		Post(m.tokenURL)
	if err != nil {
		return err
	}
	sess.mergeCookies(cookieMap(second.Cookies()))
	return nil
}

// fetchLoginForm 拉取登录页并从页面脚本中提取 viewData.loginFormData。
func (m *Manager) fetchLoginForm(ctx context.Context, client *resty.Client, sess *Session) (map[string]string, error) {
	rnd, _ := random.IntRange(100000, 999999)
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lang":           "zh_cn",
			"appName":        "xianyu",
			"appEntrance":    "web",
			"styleType":      "vertical",
			"bizParams":      "",
			"notLoadSsoView": "false",
			"notKeepLogin":   "false",
			"isMobile":       "false",
			"qrCodeFirst":    "false",
			"stie":           "77",
			"rnd":            fmt.Sprintf("0.%d", rnd),
		}).
		Get(m.loginFormURL)
	if err != nil {
		return nil, err
	}
	sess.mergeCookies(cookieMap(resp.Cookies()))

	viewData, err := extractViewData(resp.String())
	if err != nil {
		return nil, err
	}

	rawForm, ok := viewData["loginFormData"].(map[string]any)
	if !ok {
		return nil, errors.New("viewData has no loginFormData")
	}
	form := make(map[string]string, len(rawForm))
	for k, v := range rawForm {
		form[k] = anyToString(v)
	}
	return form, nil
}

var viewDataRe = regexp.MustCompile(`(?s)window\.viewData\s*=\s*(\{.*?\});`)

// extractViewData 在页面的 script 标签里定位 window.viewData 赋值并解析。
func extractViewData(html string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse login page: %w", err)
	}

	var raw string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if match := viewDataRe.FindStringSubmatch(s.Text()); match != nil {
			raw = match[1]
			return false
		}
		return true
	})
	if raw == "" {
		return nil, errors.New("window.viewData not found in login page")
	}

	viewData := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &viewData); err != nil {
		return nil, fmt.Errorf("parse viewData: %w", err)
	}
	return viewData, nil
}

// qrAPIResponse 是 generate.do / query.do 的公共响应结构。
type qrAPIResponse struct {
	Content struct {
		Success bool `json:"success"`
		Data    struct {
			T            json.Number `json:"t"`
			Ck           string      `json:"ck"`
			CodeContent  string      `json:"codeContent"`
			QRCodeStatus string      `json:"qrCodeStatus"`
		} `json:"data"`
	} `json:"content"`
}

// generateQRCode 调用 generate.do 获取二维码内容并记录轮询参数。
func (m *Manager) generateQRCode(ctx context.Context, client *resty.Client, sess *Session, form map[string]string) (string, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(form).
		Get(m.generateURL)
	if err != nil {
		return "", err
	}
	sess.mergeCookies(cookieMap(resp.Cookies()))

	var parsed qrAPIResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("parse generate response: %w", err)
	}
	if !parsed.Content.Success {
		return "", errors.New("qrcode generate rejected")
	}
	data := parsed.Content.Data
	if data.CodeContent == "" {
		return "", errors.New("qrcode generate returned empty codeContent")
	}

	pollForm := make(map[string]string, len(form)+2)
	for k, v := range form {
		pollForm[k] = v
	}
	pollForm["t"] = data.T.String()
	pollForm["ck"] = data.Ck
	sess.setPollForm(pollForm)

	return data.CodeContent, nil
}

// poll 周期性查询扫码状态，直到会话进入终态或超出有效期。
func (m *Manager) poll(client *resty.Client, sess *Session) {
	deadline := time.Now().Add(m.pollCeiling)
	interval := m.pollInterval

	for {
		select {
		case <-m.rootCtx.Done():
			m.finish(sess, StatusCancelled)
			return
		case <-time.After(interval):
		}
		interval = m.pollInterval

		if time.Now().After(deadline) {
			m.finish(sess, StatusExpired)
			return
		}

		resp, err := client.R().
			SetContext(m.rootCtx).
			SetFormData(sess.pollFormCopy()).
			Post(m.queryURL)
		if err != nil {
			if m.rootCtx.Err() != nil {
				m.finish(sess, StatusCancelled)
				return
			}
			m.logger.Warn("qr status query failed", slog.String("session_id", sess.ID), slog.Any("error", err))
			interval = m.errorBackoff
			continue
		}

		var parsed qrAPIResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			m.logger.Warn("qr status response unparsable", slog.String("session_id", sess.ID), slog.Any("error", err))
			interval = m.errorBackoff
			continue
		}

		switch parsed.Content.Data.QRCodeStatus {
		case "CONFIRMED":
			sess.mergeCookies(cookieMap(resp.Cookies()))
			m.finish(sess, StatusSuccess)
			if m.state != nil {
				if err := m.state.SaveCookieMap(sess.Cookies()); err != nil {
					m.logger.Error("save login state failed", slog.String("session_id", sess.ID), slog.Any("error", err))
				}
			}
			return
		case "EXPIRED":
			m.finish(sess, StatusExpired)
			return
		case "SCANED":
			if sess.transition(StatusScanned, time.Now()) {
				m.logger.Info("qr code scanned", slog.String("session_id", sess.ID))
			}
		case "NEW":
			// 等待扫码
		default:
			m.finish(sess, StatusCancelled)
			return
		}
	}
}

// finish 把会话推进到终态并上报指标。
func (m *Manager) finish(sess *Session, status Status) {
	if !sess.transition(status, time.Now()) {
		return
	}
	metrics.QRSessionsActive.Dec()
	metrics.QRSessionsTotal.WithLabelValues(string(status)).Inc()

	attrs := []any{slog.String("session_id", sess.ID), slog.String("status", string(status))}
	if status == StatusSuccess {
		attrs = append(attrs, slog.String("account_id", sess.AccountID()))
		m.logger.Info("qr login confirmed", attrs...)
		return
	}
	m.logger.Info("qr login session closed", attrs...)
}

// janitor 周期性清理终态超过保留时长的会话。
func (m *Manager) janitor() {
	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case now := <-ticker.C:
			evicted := m.sessions.evict(func(sess *Session) bool {
				return sess.evictable(now, m.janitorKeep)
			})
			if evicted > 0 {
				m.logger.Debug("qr sessions evicted", slog.Int("count", evicted))
			}
		}
	}
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
