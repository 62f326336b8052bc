// Package output 执行结果事件的对外发布：Kafka、JSONL文件或丢弃
package output

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
	Close() error
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers" yaml:"brokers"`
	Topics  map[string]string `mapstructure:"topics" yaml:"topics"`
}

// Config 输出配置
type Config struct {
	Format    string      `mapstructure:"format" yaml:"format"` // kafka | file | none
	Directory string      `mapstructure:"directory" yaml:"directory"`
	Kafka     KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// DefaultTopics 事件类型到topic的默认映射，键为TopicKey
func DefaultTopics() map[string]string {
	return map[string]string{
		TopicKey(models.EventDayCompleted):     "giftdrop_day_results",
		TopicKey(models.EventDayFailed):        "giftdrop_day_results",
		TopicKey(models.EventHourDistributed):  "giftdrop_hourly_results",
		TopicKey(models.EventTransferProposed): "giftdrop_transfer_proposals",
		TopicKey(models.EventAlertRaised):      "giftdrop_alerts",
	}
}

// TopicKey 配置中的topic键；点号会被viper当作层级分隔符，这里换成下划线
func TopicKey(eventType models.EventType) string {
	return strings.ReplaceAll(string(eventType), ".", "_")
}

// NewPublisher 按配置创建发布器
func NewPublisher(cfg Config, logger *logrus.Logger) (Publisher, error) {
	switch cfg.Format {
	case "", "none":
		return NoopPublisher{}, nil
	case "file":
		return NewFilePublisher(cfg.Directory, logger)
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, gifterrors.Validationf("KAFKA_BROKERS_MISSING", "kafka输出需要配置brokers")
		}
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	default:
		return nil, gifterrors.Validationf("UNKNOWN_OUTPUT_FORMAT", "不支持的输出格式: %s", cfg.Format)
	}
}

// topicFor 查找事件对应的topic，未配置时使用默认映射
func topicFor(topics map[string]string, eventType models.EventType) (string, error) {
	key := TopicKey(eventType)
	if topic, ok := topics[key]; ok && topic != "" {
		return topic, nil
	}
	if topic, ok := DefaultTopics()[key]; ok {
		return topic, nil
	}
	return "", fmt.Errorf("事件类型 %s 没有对应的topic", eventType)
}

// NoopPublisher 丢弃所有事件
type NoopPublisher struct{}

// Publish 丢弃事件
func (NoopPublisher) Publish(context.Context, *models.Event) error { return nil }

// Close 无操作
func (NoopPublisher) Close() error { return nil }
