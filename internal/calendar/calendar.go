// Package calendar 把活动第几天/第几小时映射到UTC时间窗口
package calendar

import (
	"fmt"
	"time"

	"giftdrop/pkg/models"
)

// Calendar 活动日历，第1天从Start开始，每天24小时
type Calendar struct {
	start time.Time
}

// New 创建日历
func New(start time.Time) *Calendar {
	return &Calendar{start: start.UTC()}
}

// Start 活动开始时间
func (c *Calendar) Start() time.Time {
	return c.start
}

// DayWindow 第day天的[start, end)
func (c *Calendar) DayWindow(day int) (time.Time, time.Time, error) {
	if !models.ValidDay(day) {
		return time.Time{}, time.Time{}, fmt.Errorf("非法天数: %d", day)
	}
	start := c.start.Add(time.Duration(day-1) * 24 * time.Hour)
	return start, start.Add(24 * time.Hour), nil
}

// HourWindow 第day天第hour小时的[start, end)
func (c *Calendar) HourWindow(day, hour int) (time.Time, time.Time, error) {
	dayStart, _, err := c.DayWindow(day)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !models.ValidHour(hour) {
		return time.Time{}, time.Time{}, fmt.Errorf("非法小时: %d", hour)
	}
	start := dayStart.Add(time.Duration(hour) * time.Hour)
	return start, start.Add(time.Hour), nil
}

// At 返回时间点所在的(day, hour)；活动外返回ok=false
func (c *Calendar) At(now time.Time) (day, hour int, ok bool) {
	if now.Before(c.start) {
		return 0, 0, false
	}
	elapsed := now.Sub(c.start)
	hours := int(elapsed / time.Hour)
	day = hours/24 + 1
	if !models.ValidDay(day) {
		return 0, 0, false
	}
	return day, hours % 24, true
}

// PreviousHour 上一个已结束的小时；第1天0点没有前一小时
func (c *Calendar) PreviousHour(now time.Time) (day, hour int, ok bool) {
	if now.Before(c.start.Add(time.Hour)) {
		return 0, 0, false
	}
	end := c.start.Add(time.Duration(models.AdventDays) * 24 * time.Hour)
	if !now.Before(end.Add(time.Hour)) {
		return 0, 0, false
	}
	return c.At(now.Add(-time.Hour))
}

// LastClosedDay 在offset之后最近一个已结束的天，没有则ok=false
func (c *Calendar) LastClosedDay(now time.Time, offset time.Duration) (int, bool) {
	shifted := now.Add(-offset)
	if shifted.Before(c.start.Add(24 * time.Hour)) {
		return 0, false
	}
	days := int(shifted.Sub(c.start) / (24 * time.Hour))
	if days > models.AdventDays {
		days = models.AdventDays
	}
	return days, true
}
