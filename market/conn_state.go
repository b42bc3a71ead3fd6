package market

import (
	"fmt"
	"time"
)

// ConnStateKind 行情连接状态
type ConnStateKind int

const (
	ConnDisconnected ConnStateKind = iota
	ConnPaused
	ConnConnected
)

// ConnState Disconnected 携带连续失败次数；干净退出后为 Disconnected{0}。
type ConnState struct {
	Kind    ConnStateKind
	Retries int
}

func (s ConnState) String() string {
	switch s.Kind {
	case ConnDisconnected:
		return fmt.Sprintf("DISCONNECTED(%d)", s.Retries)
	case ConnPaused:
		return "PAUSED"
	case ConnConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

const maxBackoff = 30 * time.Second

// Backoff 第 retries 次重试前的等待：min(2^(retries-1), 30) 秒，retries 从 1 开始。
func Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if retries > 6 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(retries-1)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
