package api

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func entry(msg string, fields logrus.Fields) *logrus.Entry {
	e := logrus.NewEntry(logrus.New()).WithFields(fields)
	e.Message = msg
	e.Level = logrus.InfoLevel
	e.Time = time.Now()
	return e
}

func TestLogManager_RingBuffer(t *testing.T) {
	lm := NewLogManager(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		lm.AddLog(entry(msg, nil))
	}

	logs, total := lm.GetLogsWithPagination(LogFilter{}, 1, 10)

	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"d", "c", "b"}, messages(logs))
}

func TestLogManager_Pagination(t *testing.T) {
	lm := NewLogManager(10)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		lm.AddLog(entry(msg, nil))
	}

	page2, total := lm.GetLogsWithPagination(LogFilter{}, 2, 2)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"c", "b"}, messages(page2))

	beyond, _ := lm.GetLogsWithPagination(LogFilter{}, 4, 2)
	assert.Empty(t, beyond)
}

func TestLogManager_FilterAndErrors(t *testing.T) {
	lm := NewLogManager(0)
	lm.AddLog(entry("失败", logrus.Fields{"day": 7, "error": errors.New("rpc down")}))
	lm.AddLog(entry("完成", logrus.Fields{"day": 8, "execution_id": "x"}))

	logs, total := lm.GetLogsWithPagination(LogFilter{Day: "7"}, 1, 10)
	assert.Equal(t, 1, total)
	assert.Equal(t, "rpc down", logs[0].Fields["error"])

	_, total = lm.GetLogsWithPagination(LogFilter{ExecutionID: "x"}, 1, 10)
	assert.Equal(t, 1, total)

	lm.ClearLogs()
	_, total = lm.GetLogsWithPagination(LogFilter{}, 1, 10)
	assert.Equal(t, 0, total)
}

func messages(logs []LogEntry) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}
