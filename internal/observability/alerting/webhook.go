package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"ExtensionHub/pkg/logger"
)

// WebhookNotifier 通过 HTTP POST 发送告警。Format 决定请求体：
// 默认是 Event 的 JSON，dingtalk 与 slack 使用各自机器人的消息格式。
type WebhookNotifier struct {
	URL    string
	Format Channel
	Client *http.Client
}

// NewWebhook 创建 WebhookNotifier，format 为空时发送原始 JSON。
func NewWebhook(url string, format Channel) *WebhookNotifier {
	if format == "" {
		format = ChannelWebhook
	}
	return &WebhookNotifier{URL: url, Format: format, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Channel 返回通知格式对应的渠道。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Format == "" {
		return ChannelWebhook
	}
	return n.Format
}

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("plugin", event.Plugin))
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	switch n.Channel() {
	case ChannelDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": formatText(event)},
		}
	case ChannelSlack:
		return map[string]string{
			"text": fmt.Sprintf("*[%s]* %s - %s", event.Severity, event.Code, event.Message),
		}
	default:
		return event
	}
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n插件: %s\n时间: %s\n%s",
		event.Severity, event.Code, event.Plugin, event.OccurredAt.Format(time.RFC3339), event.Message)
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n详情:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
		}
	}
	return b.String()
}
