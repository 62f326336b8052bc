package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"giftdrop/pkg/models"
)

// FilePublisher 按事件类型追加写入JSONL文件
type FilePublisher struct {
	outputDir string
	logger    *logrus.Logger

	mu    sync.Mutex
	files map[models.EventType]*os.File
}

// NewFilePublisher 创建文件发布器
func NewFilePublisher(outputDir string, logger *logrus.Logger) (*FilePublisher, error) {
	if outputDir == "" {
		outputDir = "./output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	return &FilePublisher{
		outputDir: outputDir,
		logger:    logger,
		files:     make(map[models.EventType]*os.File),
	}, nil
}

// Path 事件类型对应的文件路径
func (f *FilePublisher) Path(eventType models.EventType) string {
	name := strings.ReplaceAll(string(eventType), ".", "_")
	return filepath.Join(f.outputDir, name+".jsonl")
}

// Publish 写入一行并刷盘
func (f *FilePublisher) Publish(_ context.Context, event *models.Event) error {
	if event == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[event.Type]
	if !ok {
		file, err = os.OpenFile(f.Path(event.Type), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开事件文件失败: %w", err)
		}
		f.files[event.Type] = file
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入事件文件失败: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新事件文件失败: %w", err)
	}
	return nil
}

// Close 关闭所有文件
func (f *FilePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for eventType, file := range f.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭%s事件文件失败: %w", eventType, err)
		}
	}
	f.files = make(map[models.EventType]*os.File)
	return firstErr
}
