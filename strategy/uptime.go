package strategy

import "time"

// UptimeTracker 累计完整挂单（active）与非完整挂单的墙钟时长。
type UptimeTracker struct {
	createdAt time.Time
	lastAt    time.Time
	active    bool
	activeDur time.Duration
	idleDur   time.Duration
}

// NewUptimeTracker 创建，初始为 inactive
func NewUptimeTracker(now time.Time) *UptimeTracker {
	return &UptimeTracker{createdAt: now, lastAt: now}
}

// Update 把上次以来的时长计入上一状态，再记录新状态。
func (u *UptimeTracker) Update(now time.Time, active bool) {
	if now.After(u.lastAt) {
		elapsed := now.Sub(u.lastAt)
		if u.active {
			u.activeDur += elapsed
		} else {
			u.idleDur += elapsed
		}
		u.lastAt = now
	}
	u.active = active
}

// Active 当前是否 active
func (u *UptimeTracker) Active() bool { return u.active }

// Totals 累计 active / inactive 时长
func (u *UptimeTracker) Totals() (active, inactive time.Duration) {
	return u.activeDur, u.idleDur
}

// Ratio active 时长占比
func (u *UptimeTracker) Ratio() float64 {
	total := u.activeDur + u.idleDur
	if total <= 0 {
		return 0
	}
	return float64(u.activeDur) / float64(total)
}
