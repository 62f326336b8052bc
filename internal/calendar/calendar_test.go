package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

func TestDayAndHourWindow(t *testing.T) {
	c := New(start)

	s, e, err := c.DayWindow(3)
	require.NoError(t, err)
	assert.Equal(t, start.Add(48*time.Hour), s)
	assert.Equal(t, start.Add(72*time.Hour), e)

	s, e, err = c.HourWindow(3, 5)
	require.NoError(t, err)
	assert.Equal(t, start.Add(53*time.Hour), s)
	assert.Equal(t, time.Hour, e.Sub(s))

	_, _, err = c.DayWindow(0)
	assert.Error(t, err)
	_, _, err = c.DayWindow(25)
	assert.Error(t, err)
	_, _, err = c.HourWindow(1, 24)
	assert.Error(t, err)
}

func TestAt(t *testing.T) {
	c := New(start)
	day, hour, ok := c.At(start.Add(25*time.Hour + 30*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 2, day)
	assert.Equal(t, 1, hour)

	_, _, ok = c.At(start.Add(-time.Second))
	assert.False(t, ok)
	_, _, ok = c.At(start.Add(24 * 24 * time.Hour))
	assert.False(t, ok)
}

func TestPreviousHour(t *testing.T) {
	c := New(start)

	// 第1天0点没有前一小时
	_, _, ok := c.PreviousHour(start.Add(30 * time.Minute))
	assert.False(t, ok)

	day, hour, ok := c.PreviousHour(start.Add(time.Hour + time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 1, day)
	assert.Equal(t, 0, hour)

	day, hour, ok = c.PreviousHour(start.Add(24*time.Hour + 5*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 1, day)
	assert.Equal(t, 23, hour)

	// 活动结束后的第一个小时仍可补发第24天23点
	end := start.Add(24 * 24 * time.Hour)
	day, hour, ok = c.PreviousHour(end.Add(10 * time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 24, day)
	assert.Equal(t, 23, hour)

	_, _, ok = c.PreviousHour(end.Add(2 * time.Hour))
	assert.False(t, ok)
}

func TestLastClosedDay(t *testing.T) {
	c := New(start)
	offset := 10 * time.Minute

	_, ok := c.LastClosedDay(start.Add(24*time.Hour+5*time.Minute), offset)
	assert.False(t, ok)

	day, ok := c.LastClosedDay(start.Add(24*time.Hour+10*time.Minute), offset)
	assert.True(t, ok)
	assert.Equal(t, 1, day)

	day, ok = c.LastClosedDay(start.Add(100*24*time.Hour), offset)
	assert.True(t, ok)
	assert.Equal(t, 24, day)
}
