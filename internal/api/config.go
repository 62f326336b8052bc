package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/config"
)

// ConfigManager 只读的运行配置视图，敏感字段已脱敏
type ConfigManager struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(cfg *config.Config, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		cfg:    cfg,
		logger: logger,
	}
}

// GetConfig 获取配置；section参数只返回单个配置段
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	if cm.cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "配置不可用"})
		return
	}
	redacted := cm.cfg.Redacted()

	section := c.Query("section")
	if section == "" {
		c.JSON(http.StatusOK, gin.H{"config": redacted})
		return
	}

	value, ok := sections(redacted)[section]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "配置段不存在",
			"section": section,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"section": section,
		"config":  value,
	})
}

// ValidateConfig 校验当前配置
func (cm *ConfigManager) ValidateConfig(c *gin.Context) {
	if cm.cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "配置不可用"})
		return
	}
	if err := cm.cfg.Validate(); err != nil {
		cm.logger.WithField("component", "api").Warnf("配置校验失败: %v", err)
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func sections(cfg *config.Config) map[string]any {
	return map[string]any{
		"calendar":  cfg.Calendar,
		"ledger":    cfg.Ledger,
		"scheduler": cfg.Scheduler,
		"hourly":    cfg.Hourly,
		"gifts":     cfg.Gifts,
		"storage":   cfg.Storage,
		"transfer":  cfg.Transfer,
		"output":    cfg.Output,
		"admin":     cfg.Admin,
		"logging":   cfg.Logging,
	}
}
