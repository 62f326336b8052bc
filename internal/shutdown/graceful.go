// Package shutdown 优雅停机：先取消后台循环，等待当前阶段结束，再按顺序释放资源
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序常量，数字越小越早执行
const (
	OrderStopAdminAPI   = 10 // 停止管理接口
	OrderDrainWorkers   = 20 // 等待调度循环结束当前阶段
	OrderFlushPublisher = 30 // 刷新事件发布缓冲区
	OrderCloseNodes     = 40 // 关闭以太坊节点连接
	OrderCloseStore     = 50 // 关闭存储
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger        *logrus.Logger
	timeout       time.Duration
	shutdownFuncs []ShutdownFunc
	mu            sync.Mutex
	signalChan    chan os.Signal
	ctx           context.Context
	cancel        context.CancelFunc
	workers       sync.WaitGroup
	done          chan struct{}
	started       bool
	err           error
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second // 默认30秒超时
	}

	ctx, cancel := context.WithCancel(context.Background())

	gs := &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	gs.RegisterShutdownFunc("等待后台任务", gs.drainWorkers, OrderDrainWorkers)
	return gs
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})

	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Go 启动后台任务。任务收到取消后应在当前阶段结束时返回；
// 非取消原因的错误会触发停机
func (gs *GracefulShutdown) Go(name string, fn func(ctx context.Context) error) {
	gs.workers.Add(1)
	go func() {
		defer gs.workers.Done()
		err := fn(gs.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			gs.logger.Infof("后台任务 %s 已退出", name)
			return
		}
		gs.logger.Errorf("后台任务 %s 异常退出: %v", name, err)
		gs.mu.Lock()
		if gs.err == nil {
			gs.err = fmt.Errorf("%s: %w", name, err)
		}
		gs.mu.Unlock()
		go gs.Shutdown()
	}()
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // 终止信号
		syscall.SIGQUIT, // 退出信号
	)
	go gs.signalHandler()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Wait 等待停机完成，返回第一个后台任务错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.Err()
}

// Err 第一个异常退出的后台任务错误
func (gs *GracefulShutdown) Err() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Context 后台任务使用的上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 触发停机；重复调用时等待第一次停机完成
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.started {
		gs.mu.Unlock()
		<-gs.done
		return
	}
	gs.started = true
	gs.mu.Unlock()

	gs.performShutdown()
	signal.Stop(gs.signalChan)
	close(gs.done)
}

// signalHandler 信号处理器
func (gs *GracefulShutdown) signalHandler() {
	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
		gs.Shutdown()
	case <-gs.done:
	}
}

// performShutdown 执行停机过程
func (gs *GracefulShutdown) performShutdown() {
	gs.logger.Info("开始优雅停机流程...")

	// 先通知后台任务停止，正在进行的阶段会执行完
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var shutdownErrors []error
	for _, shutdownFunc := range funcs {
		gs.logger.Infof("执行停机处理: %s", shutdownFunc.Name)

		start := time.Now()
		err := shutdownFunc.Func(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", shutdownFunc.Name, duration, err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", shutdownFunc.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", shutdownFunc.Name, duration)
		}

		if shutdownCtx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理")
			break
		}
	}

	if len(shutdownErrors) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(shutdownErrors))
	}

	gs.logger.Info("优雅停机流程完成")
}

// drainWorkers 等待所有后台任务退出
func (gs *GracefulShutdown) drainWorkers(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		gs.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("后台任务未在超时内退出: %w", ctx.Err())
	}
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.started
}

// GetRegisteredFunctions 获取已注册的停机函数列表
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.shutdownFuncs))
	for i, fn := range gs.shutdownFuncs {
		names[i] = fn.Name
	}
	return names
}
