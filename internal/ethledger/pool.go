package ethledger

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"giftdrop/internal/config"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/retry"
)

const (
	rateLimitCooldown = 5 * time.Minute
	disableCooldown   = time.Minute
	maxNodeErrors     = 3
)

// ChainClient 用到的节点RPC子集，*ethclient.Client 满足该接口
type ChainClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// node 单个节点的状态
type node struct {
	name     string
	priority int
	client   ChainClient
	limiter  *rate.Limiter

	mu           sync.Mutex
	errorCount   int
	blockedUntil time.Time
	rateLimited  bool
}

// Pool 多节点连接池，按优先级故障转移；所有节点都失败时按退避策略整体重试
type Pool struct {
	nodes   []*node
	retrier *retry.Retrier
	logger  *logrus.Logger
	now     func() time.Time
}

// Dial 连接所有配置的节点，至少一个成功才返回
func Dial(ctx context.Context, nodes []*config.NodeConfig, logger *logrus.Logger, opts ...retry.Option) (*Pool, error) {
	clients := make(map[*config.NodeConfig]ChainClient, len(nodes))
	for _, n := range nodes {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, n.URL)
		cancel()
		if err != nil {
			logger.Warnf("连接节点 %s 失败: %v", n.Name, err)
			continue
		}
		clients[n] = client
		logger.Infof("节点 %s 已连接", n.Name)
	}
	if len(clients) == 0 {
		return nil, gifterrors.Transient(nil, "NO_NODES", "没有可用的节点")
	}
	return NewPoolWithClients(clients, logger, opts...), nil
}

// NewPoolWithClients 用现成的客户端构建连接池
func NewPoolWithClients(clients map[*config.NodeConfig]ChainClient, logger *logrus.Logger, opts ...retry.Option) *Pool {
	onRetry := retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.WithFields(logrus.Fields{"component": "ethledger", "attempt": attempt, "delay": delay}).
			Warnf("所有节点请求失败，稍后重试: %v", err)
	})
	p := &Pool{
		retrier: retry.NewRetrier(retry.NetworkRetryConfig, logger, append([]retry.Option{onRetry}, opts...)...),
		logger:  logger,
		now:     time.Now,
	}
	for cfg, client := range clients {
		limit := rate.Inf
		burst := 1
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
			burst = cfg.RateLimit
		}
		p.nodes = append(p.nodes, &node{
			name:     cfg.Name,
			priority: cfg.Priority,
			client:   client,
			limiter:  rate.NewLimiter(limit, burst),
		})
	}
	sort.Slice(p.nodes, func(i, j int) bool {
		if p.nodes[i].priority != p.nodes[j].priority {
			return p.nodes[i].priority < p.nodes[j].priority
		}
		return p.nodes[i].name < p.nodes[j].name
	})
	return p
}

// Do 在第一个可用节点上执行fn，失败时切换到下一个节点
func (p *Pool) Do(ctx context.Context, op string, fn func(context.Context, ChainClient) error) error {
	err := p.retrier.Execute(ctx, op, func(int) error {
		return p.tryNodes(ctx, op, fn)
	})
	return gifterrors.FromContext(err, "RPC_TIMEOUT", op)
}

func (p *Pool) tryNodes(ctx context.Context, op string, fn func(context.Context, ChainClient) error) error {
	var lastErr error
	tried := 0
	for _, n := range p.nodes {
		if !p.available(n) {
			continue
		}
		tried++
		if err := n.limiter.Wait(ctx); err != nil {
			return gifterrors.FromContext(err, "RPC_TIMEOUT", op)
		}
		err := fn(ctx, n.client)
		if err == nil {
			p.markHealthy(n)
			return nil
		}
		if ctx.Err() != nil {
			return gifterrors.FromContext(ctx.Err(), "RPC_TIMEOUT", op)
		}
		if _, ok := gifterrors.As(err); ok {
			return err
		}
		p.handleNodeError(n, err)
		lastErr = err
		p.logger.WithFields(logrus.Fields{"component": "ethledger", "node": n.name, "op": op}).Warnf("节点调用失败，切换节点: %v", err)
	}
	if tried == 0 {
		return gifterrors.Transient(nil, "NO_NODES", op+": 所有节点暂不可用")
	}
	return gifterrors.Transient(lastErr, "RPC_FAILED", op+": 所有节点调用失败")
}

func (p *Pool) available(n *node) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blockedUntil.IsZero() {
		return true
	}
	if p.now().Before(n.blockedUntil) {
		return false
	}
	n.blockedUntil = time.Time{}
	n.rateLimited = false
	n.errorCount = 0
	p.logger.Infof("节点 %s 已恢复", n.name)
	return true
}

func (p *Pool) markHealthy(n *node) {
	n.mu.Lock()
	n.errorCount = 0
	n.mu.Unlock()
}

// handleNodeError 限流的节点冷却5分钟，连续出错3次的节点暂时禁用
func (p *Pool) handleNodeError(n *node, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errorCount++
	switch {
	case isRateLimitError(err):
		n.rateLimited = true
		n.blockedUntil = p.now().Add(rateLimitCooldown)
		p.logger.Errorf("节点 %s 被限流: %v - 将在5分钟后重试", n.name, err)
	case n.errorCount >= maxNodeErrors:
		n.blockedUntil = p.now().Add(disableCooldown)
		p.logger.Warnf("节点 %s 错误次数过多，暂时禁用", n.name)
	}
}

// isRateLimitError 检测是否为429错误
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"429", "too many requests", "rate limit", "quota exceeded",
		"request limit", "requests per second", "exceed rate limit",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// NodeStats 节点状态
type NodeStats struct {
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	Available    bool      `json:"available"`
	RateLimited  bool      `json:"rate_limited"`
	ErrorCount   int       `json:"error_count"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Stats 获取连接池统计信息
func (p *Pool) Stats() []NodeStats {
	now := p.now()
	stats := make([]NodeStats, 0, len(p.nodes))
	for _, n := range p.nodes {
		n.mu.Lock()
		stats = append(stats, NodeStats{
			Name:         n.name,
			Priority:     n.priority,
			Available:    n.blockedUntil.IsZero() || !now.Before(n.blockedUntil),
			RateLimited:  n.rateLimited,
			ErrorCount:   n.errorCount,
			BlockedUntil: n.blockedUntil,
		})
		n.mu.Unlock()
	}
	return stats
}

// Close 关闭所有节点连接
func (p *Pool) Close() error {
	for _, n := range p.nodes {
		n.client.Close()
	}
	p.logger.Info("连接池已关闭")
	return nil
}
