package logger

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 封装zap日志器，附带做市事件的结构化输出
type Logger struct {
	*zap.Logger
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
	// 每秒同一条消息前 N 条全量输出，之后每 M 条输出一条；0 关闭采样
	SampleInitial    int `yaml:"sample_initial"`
	SampleThereafter int `yaml:"sample_thereafter"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Outputs:          []string{"stdout"},
		Format:           "json",
		SampleInitial:    100,
		SampleThereafter: 50,
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var cores []zapcore.Core
	if slices.Contains(cfg.Outputs, "stdout") {
		enc := zapcore.NewJSONEncoder(encCfg)
		if cfg.Format == "console" {
			enc = zapcore.NewConsoleEncoder(consoleCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}
	// 文件始终使用 JSON，便于事后按 event 字段检索
	if slices.Contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		w, err := openAppend(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("open log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level))
	}
	if cfg.ErrorFile != "" {
		w, err := openAppend(cfg.ErrorFile)
		if err != nil {
			return nil, fmt.Errorf("open error log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, zapcore.ErrorLevel))
	}

	core := zapcore.NewTee(cores...)
	if cfg.SampleInitial > 0 && cfg.SampleThereafter > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, cfg.SampleThereafter)
	}
	return &Logger{Logger: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func openAppend(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

// NewNop 返回丢弃所有输出的Logger，测试使用
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With 添加 zap 字段返回新的logger
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// LogOrder 下单/撤单等订单事件
func (l *Logger) LogOrder(event string, clientOrderID string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "order_event", event, fields, zap.String("client_order_id", clientOrderID))
}

// LogTrade 成交、平仓事件
func (l *Logger) LogTrade(event string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "trade_event", event, fields)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	l.emit(zapcore.ErrorLevel, "error_event", "error", context, zap.Error(err))
}

// LogRisk 风控判定变化、强平等事件
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.emit(zapcore.WarnLevel, "risk_event", event, fields)
}

// emit 字段按 key 排序输出，同一事件的日志行列顺序稳定
func (l *Logger) emit(lvl zapcore.Level, msg, event string, fields map[string]interface{}, extra ...zap.Field) {
	ce := l.Check(lvl, msg)
	if ce == nil {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf := make([]zap.Field, 0, len(keys)+len(extra)+1)
	zf = append(zf, zap.String("event", event))
	zf = append(zf, extra...)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	ce.Write(zf...)
}

// Close 刷新缓冲
func (l *Logger) Close() error {
	return l.Sync()
}
