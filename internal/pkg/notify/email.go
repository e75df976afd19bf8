package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送新商品提醒。
type EmailNotifier struct {
	host   string
	port   int
	user   string
	pass   string
	from   string
	to     string
	logger *slog.Logger
}

// NewEmailNotifier 创建邮件通知器。配置不完整时返回 nil（调用方应退回 Noop）。
func NewEmailNotifier(host string, port int, user, pass, from, to string, logger *slog.Logger) *EmailNotifier {
	if host == "" || from == "" || to == "" {
		return nil
	}
	if port <= 0 {
		port = 587
	}
	return &EmailNotifier{
		host:   host,
		port:   port,
		user:   user,
		pass:   pass,
		from:   from,
		to:     to,
		logger: logger,
	}
}

// NotifyNewItems 实现 Notifier。
func (n *EmailNotifier) NotifyNewItems(ctx context.Context, taskName string, items []model.CrawledItem) error {
	if n == nil || len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("[闲鱼追踪] %s 发现 %d 件新商品", taskName, len(items))
	body := buildBody(taskName, items)

	msg := gomail.NewMessage()
	msg.SetHeader("From", n.from)
	msg.SetHeader("To", n.to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	dialer := gomail.NewDialer(n.host, n.port, n.user, n.pass)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	if n.logger != nil {
		n.logger.Info("new item notification sent",
			slog.String("task", taskName),
			slog.Int("count", len(items)))
	}
	return nil
}

func buildBody(taskName string, items []model.CrawledItem) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("<h3>任务「%s」的新商品</h3><ul>", taskName))
	for _, it := range items {
		price := "价格未知"
		if it.Price != nil {
			price = "¥" + it.Price.StringFixed(2)
		}
		b.WriteString(fmt.Sprintf(
			`<li><a href="%s">%s</a> — %s（%s，想要 %d 人）</li>`,
			it.ItemURL, htmlEscape(it.Title), price, htmlEscape(it.Location), it.WantCount))
	}
	b.WriteString("</ul>")
	return b.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
