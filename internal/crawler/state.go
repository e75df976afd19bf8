package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateCookie 是登录态文件中的一条 Cookie 记录。
type StateCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// LoginState 是浏览器登录态（storage state）的 JSON 结构。
type LoginState struct {
	Cookies []StateCookie     `json:"cookies"`
	Origins []json.RawMessage `json:"origins"`
}

// HasMarketCookies 报告登录态是否包含闲鱼/淘宝域下的 Cookie。
// 只能说明登录态文件非空，不保证 Cookie 未失效。
func (s *LoginState) HasMarketCookies() bool {
	if s == nil {
		return false
	}
	for _, c := range s.Cookies {
		if strings.Contains(c.Domain, "goofish") || strings.Contains(c.Domain, "taobao") {
			return true
		}
	}
	return false
}

// StateFile 管理磁盘上的登录态文件。
type StateFile struct {
	mu   sync.Mutex
	path string
}

// NewStateFile 创建登录态文件管理器。
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path 返回登录态文件路径。
func (f *StateFile) Path() string { return f.path }

// Load 读取登录态。文件不存在时返回 (nil, nil)。
func (f *StateFile) Load() (*LoginState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read login state: %w", err)
	}

	state := &LoginState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse login state: %w", err)
	}
	return state, nil
}

// Save 写入登录态。先写临时文件再改名，避免读到半成品。
func (f *StateFile) Save(state *LoginState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(state)
}

func (f *StateFile) saveLocked(state *LoginState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write login state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace login state: %w", err)
	}
	return nil
}

// SaveCookieMap 用扫码登录捕获的 Cookie 重建登录态文件。
//
// 登录 Cookie 同时作用于闲鱼与淘宝的认证域，每条 Cookie 在两个域下各写一份。
func (f *StateFile) SaveCookieMap(cookies map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := &LoginState{Origins: []json.RawMessage{}}
	for _, domain := range []string{".goofish.com", ".taobao.com"} {
		for name, value := range cookies {
			state.Cookies = append(state.Cookies, StateCookie{
				Name:     name,
				Value:    value,
				Domain:   domain,
				Path:     "/",
				Expires:  -1,
				HTTPOnly: false,
				Secure:   true,
				SameSite: "None",
			})
		}
	}
	return f.saveLocked(state)
}

// Raw 返回登录态文件原始内容，供导出接口使用。文件不存在时返回 (nil, nil)。
func (f *StateFile) Raw() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read login state: %w", err)
	}
	return data, nil
}

// SetRaw 校验并写入外部导入的登录态内容。
func (f *StateFile) SetRaw(data []byte) error {
	state := &LoginState{}
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("invalid login state payload: %w", err)
	}
	return f.Save(state)
}
