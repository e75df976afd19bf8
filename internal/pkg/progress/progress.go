// Package progress 定义爬虫进度上报的能力接口。
//
// 爬虫过程中的人类可读消息（"步骤 1: ..."）通过注入的 Reporter 上报，
// 由调用方决定落到日志、环形缓冲区还是两者。
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter 接收一条人类可读的进度消息。实现必须是并发安全的。
type Reporter interface {
	Report(message string)
}

// Func 让普通函数充当 Reporter。
type Func func(message string)

// Report 实现 Reporter。
func (f Func) Report(message string) { f(message) }

// Discard 丢弃所有消息。
var Discard Reporter = Func(func(string) {})

// NewSlogReporter 将进度消息写入 slog。
func NewSlogReporter(logger *slog.Logger) Reporter {
	return Func(func(message string) {
		if logger != nil {
			logger.Info("crawl progress", slog.String("message", message))
		}
	})
}

// Multi 将消息广播给多个 Reporter。
func Multi(reporters ...Reporter) Reporter {
	return Func(func(message string) {
		for _, r := range reporters {
			if r != nil {
				r.Report(message)
			}
		}
	})
}

// Entry 是缓冲区中的一条带时间戳的消息。
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Buffer 是有界的进度消息环形缓冲区，供 API 层轮询展示。
// 超出容量时丢弃最旧的消息。
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// NewBuffer 创建容量为 capacity 的缓冲区，capacity <= 0 时取默认 200。
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &Buffer{cap: capacity}
}

// Report 实现 Reporter。
func (b *Buffer) Report(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{Time: time.Now(), Message: message})
	if overflow := len(b.entries) - b.cap; overflow > 0 {
		b.entries = append(b.entries[:0], b.entries[overflow:]...)
	}
}

// Snapshot 返回当前消息的拷贝，按时间先后排列。
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear 清空缓冲区。
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}
