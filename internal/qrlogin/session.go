// Package qrlogin 实现闲鱼扫码登录：生成二维码、轮询扫码状态、捕获登录 Cookie。
package qrlogin

import (
	"strings"
	"sync"
	"time"
)

// Status 是扫码会话的状态。
type Status string

const (
	StatusWaiting   Status = "waiting"   // 二维码已生成，等待扫码
	StatusScanned   Status = "scanned"   // 已扫码，等待手机端确认
	StatusSuccess   Status = "success"   // 登录成功，Cookie 已捕获
	StatusExpired   Status = "expired"   // 二维码过期
	StatusCancelled Status = "cancelled" // 用户取消或服务端拒绝
)

// Terminal 报告该状态是否为终态。终态会话不再被轮询器推进。
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// 二维码有效期。超过该时长未完成登录即视为过期。
const sessionTTL = 300 * time.Second

// Session 是一次扫码登录会话。
//
// 轮询 goroutine 与 API 查询会并发访问，字段读写都要经过互斥锁。
type Session struct {
	mu sync.Mutex

	ID        string
	CreatedAt time.Time

	status     Status
	qrImage    string // data:image/png;base64,... 形式的二维码
	cookies    map[string]string
	accountID  string // 登录成功后从 unb cookie 提取
	terminalAt time.Time

	// 轮询 query.do 需要回传的表单参数（t / ck 及 viewData 中的登录表单字段）。
	pollForm map[string]string
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		status:    StatusWaiting,
		cookies:   map[string]string{},
		pollForm:  map[string]string{},
	}
}

// Status 返回当前状态。已过有效期的等待中会话直接报告过期。
func (s *Session) Status(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() && now.Sub(s.CreatedAt) > sessionTTL {
		return StatusExpired
	}
	return s.status
}

// transition 尝试把会话推进到 next，返回是否发生了变化。
//
// 终态不可离开；scanned 不允许退回 waiting。
func (s *Session) transition(next Status, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	if s.status == StatusScanned && next == StatusWaiting {
		return false
	}
	if s.status == next {
		return false
	}

	s.status = next
	if next.Terminal() {
		s.terminalAt = now
	}
	return true
}

// setQRImage 记录二维码图片（data URL）。
func (s *Session) setQRImage(dataURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrImage = dataURL
}

// QRImage 返回二维码图片的 data URL。
func (s *Session) QRImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrImage
}

// mergeCookies 合并响应中下发的 Cookie。同名覆盖，空值忽略。
func (s *Session) mergeCookies(cookies map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range cookies {
		if name == "" || value == "" {
			continue
		}
		s.cookies[name] = value
		if name == "unb" {
			s.accountID = value
		}
	}
}

// Cookies 返回已捕获 Cookie 的副本。
func (s *Session) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

// CookieString 以 "k1=v1; k2=v2" 形式返回 Cookie 头。
func (s *Session) CookieString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.cookies))
	for k, v := range s.cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// AccountID 返回登录账号 ID（unb），未登录成功时为空。
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// evictable 报告会话是否已进入终态超过 keep 时长，可以被清理。
func (s *Session) evictable(now time.Time, keep time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		// 长期停留在非终态的会话按创建时间兜底清理
		return now.Sub(s.CreatedAt) > sessionTTL+keep
	}
	return now.Sub(s.terminalAt) > keep
}

// setPollForm 记录轮询所需的表单参数。
func (s *Session) setPollForm(form map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range form {
		s.pollForm[k] = v
	}
}

// pollFormCopy 返回轮询表单参数的副本。
func (s *Session) pollFormCopy() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.pollForm))
	for k, v := range s.pollForm {
		out[k] = v
	}
	return out
}
