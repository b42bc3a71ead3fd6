package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
)

// LogChannel 写入结构化日志
type LogChannel struct {
	logger *logger.Logger
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{logger: log.With(zap.String("component", "alert"))}
}

// Send 按级别写日志
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+1)
	fields = append(fields, zap.String("level", string(alert.Level)))
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, alert.Fields[k]))
	}
	switch alert.Level {
	case LevelCritical:
		c.logger.Error(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string { return "log" }

// WebhookChannel 以 JSON POST 推送告警
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

// NewWebhookChannel 创建 webhook 通道，超时 5 秒
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

type webhookPayload struct {
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Timestamp int64                  `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Send 非 2xx 响应视为失败
func (c *WebhookChannel) Send(alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Level:     alert.Level,
		Message:   alert.Message,
		Timestamp: alert.Timestamp.UnixMilli(),
		Fields:    alert.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string { return "webhook" }
