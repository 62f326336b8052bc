// Package api 管理接口：手动执行、演练、状态与日志查询
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/config"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/ethledger"
	"giftdrop/internal/hourly"
	"giftdrop/internal/scheduler"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

// DailyRunner 每日执行
type DailyRunner interface {
	Execute(ctx context.Context, day int, force bool) (*models.ExecutionStatus, error)
	DryRun(ctx context.Context, day int) (*scheduler.DryRunReport, error)
}

// HourlyRunner 小时分发
type HourlyRunner interface {
	ExecuteHour(ctx context.Context, day, hour int, override []string) (*hourly.Result, error)
	DryRunHour(ctx context.Context, day, hour int, override []string) (*hourly.Result, error)
}

// StateReader 状态查询
type StateReader interface {
	GetStatus(ctx context.Context, day int) (*models.ExecutionStatus, error)
	StatusHistory(ctx context.Context, day int) ([]models.ExecutionStatus, error)
	ListStatuses(ctx context.Context) ([]models.ExecutionStatus, error)
	ListHourly(ctx context.Context, day int) ([]models.HourlyDistributionRow, error)
}

// ExecutionReader 执行记录查询
type ExecutionReader interface {
	Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error)
	List(ctx context.Context, day int) ([]models.ExecutionRecord, error)
}

// NodeReporter 节点状态
type NodeReporter interface {
	Stats() []ethledger.NodeStats
}

// Deps 服务器依赖
type Deps struct {
	Daily      DailyRunner
	Hourly     HourlyRunner
	State      StateReader
	Executions ExecutionReader
	Nodes      NodeReporter
	Metrics    http.Handler
	Config     *config.Config
	Auth       *Auth
	Access     *slog.Logger
	Errors     *gifterrors.ErrorHandler
}

// Server API服务器
type Server struct {
	deps       Deps
	logger     *logrus.Logger
	logManager *LogManager
	configs    *ConfigManager
	server     *http.Server
	port       int
}

// NewServer 创建新的API服务器
func NewServer(deps Deps, logger *logrus.Logger, port int) *Server {
	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		deps:       deps,
		logger:     logger,
		logManager: logManager,
		configs:    NewConfigManager(deps.Config, logger),
		port:       port,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.deps.Access != nil {
		router.Use(accessLog(s.deps.Access))
	}
	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞到服务器关闭
func (s *Server) Start() error {
	s.logger.Infof("管理接口启动在端口 %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器；先于Start调用时Start会直接返回
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := router.Group("/api/v1")
	api.Use(s.deps.Auth.Middleware())
	{
		// 每日执行
		api.GET("/days", s.listDays)
		api.GET("/days/:day", s.getDay)
		api.POST("/days/:day/execute", s.executeDay)
		api.POST("/days/:day/dry-run", s.dryRunDay)
		api.GET("/days/:day/executions", s.listExecutions)

		// 小时分发
		api.GET("/days/:day/hours", s.listHours)
		api.POST("/days/:day/hours/:hour/execute", s.executeHour)
		api.POST("/days/:day/hours/:hour/dry-run", s.dryRunHour)

		// 执行记录
		api.GET("/executions/:id", s.getExecution)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 节点、错误统计与配置
		api.GET("/nodes", s.getNodes)
		api.GET("/errors", s.getErrors)
		api.DELETE("/errors", s.clearErrors)
		api.GET("/config", s.configs.GetConfig)
		api.GET("/config/validate", s.configs.ValidateConfig)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "giftdrop",
	})
}

func (s *Server) listDays(c *gin.Context) {
	statuses, err := s.deps.State.ListStatuses(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": statuses, "total": len(statuses)})
}

func (s *Server) getDay(c *gin.Context) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	status, err := s.deps.State.GetStatus(ctx, day)
	if stderrors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "该天尚未执行", "day": day})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	history, err := s.deps.State.StatusHistory(ctx, day)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "history": history})
}

func (s *Server) executeDay(c *gin.Context) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if !s.bindOptional(c, &req) {
		return
	}
	s.logger.WithFields(logrus.Fields{"component": "api", "day": day, "force": req.Force, "subject": c.GetString(subjectKey)}).Info("手动执行每日礼物")
	status, err := s.deps.Daily.Execute(c.Request.Context(), day, req.Force)
	if err != nil {
		s.failWith(c, err, gin.H{"status": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) dryRunDay(c *gin.Context) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	report, err := s.deps.Daily.DryRun(c.Request.Context(), day)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) listExecutions(c *gin.Context) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	records, err := s.deps.Executions.List(c.Request.Context(), day)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": records, "total": len(records)})
}

func (s *Server) getExecution(c *gin.Context) {
	record, err := s.deps.Executions.Get(c.Request.Context(), c.Param("id"))
	if stderrors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "执行记录不存在"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": record})
}

func (s *Server) listHours(c *gin.Context) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	rows, err := s.deps.State.ListHourly(c.Request.Context(), day)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": rows, "total": len(rows)})
}

type hourRequest struct {
	Override []string `json:"override"`
}

func (s *Server) executeHour(c *gin.Context) {
	s.runHour(c, false)
}

func (s *Server) dryRunHour(c *gin.Context) {
	s.runHour(c, true)
}

func (s *Server) runHour(c *gin.Context, dryRun bool) {
	day, ok := s.dayParam(c)
	if !ok {
		return
	}
	hour, err := strconv.Atoi(c.Param("hour"))
	if err != nil || !models.ValidHour(hour) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "小时必须在0-23之间", "hour": c.Param("hour")})
		return
	}
	var req hourRequest
	if !s.bindOptional(c, &req) {
		return
	}

	run := s.deps.Hourly.ExecuteHour
	if dryRun {
		run = s.deps.Hourly.DryRunHour
	} else {
		s.logger.WithFields(logrus.Fields{"component": "api", "day": day, "hour": hour, "override": req.Override, "subject": c.GetString(subjectKey)}).Info("手动执行小时分发")
	}
	result, err := run(c.Request.Context(), day, hour, req.Override)
	if err != nil {
		s.failWith(c, err, gin.H{"result": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}
	filter := LogFilter{
		Level:       c.Query("level"),
		Day:         c.Query("day"),
		ExecutionID: c.Query("execution_id"),
	}

	logs, total := s.logManager.GetLogsWithPagination(filter, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.deps.Nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []ethledger.NodeStats{}, "total": 0})
		return
	}
	stats := s.deps.Nodes.Stats()
	c.JSON(http.StatusOK, gin.H{"nodes": stats, "total": len(stats)})
}

// getErrors 获取错误统计
func (s *Server) getErrors(c *gin.Context) {
	if s.deps.Errors == nil {
		c.JSON(http.StatusOK, gin.H{"stats": gifterrors.NewErrorStats()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.deps.Errors.GetStats()})
}

// clearErrors 清空错误统计
func (s *Server) clearErrors(c *gin.Context) {
	if s.deps.Errors != nil {
		s.deps.Errors.ClearStats()
	}
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清空"})
}

// dayParam 解析路径中的天数，非法时直接写400
func (s *Server) dayParam(c *gin.Context) (int, bool) {
	day, err := strconv.Atoi(c.Param("day"))
	if err != nil || !models.ValidDay(day) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "天数必须在1-24之间", "day": c.Param("day")})
		return 0, false
	}
	return day, true
}

// bindOptional 请求体可以为空
func (s *Server) bindOptional(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.failWith(c, err, nil)
}

// failWith 按错误分类映射HTTP状态码
func (s *Server) failWith(c *gin.Context, err error, extra gin.H) {
	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError
	if ge, ok := gifterrors.As(err); ok {
		body["code"] = ge.Code
		body["kind"] = ge.Kind.String()
		switch ge.Kind {
		case gifterrors.KindValidation:
			status = http.StatusBadRequest
		case gifterrors.KindIdempotencyConflict:
			status = http.StatusConflict
		case gifterrors.KindTransientExternal:
			status = http.StatusServiceUnavailable
		case gifterrors.KindIntegrity, gifterrors.KindPartialExecution:
			status = http.StatusUnprocessableEntity
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	if s.deps.Errors != nil {
		_ = s.deps.Errors.HandleError(c.Request.Context(), err)
	} else if status >= http.StatusInternalServerError {
		s.logger.WithField("component", "api").Errorf("请求 %s 失败: %v", c.FullPath(), err)
	}
	c.JSON(status, body)
}

// accessLog 用slog记录访问日志
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
