package blockchain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

var (
	ErrNoHealthyRPC = errors.New("no healthy RPC endpoint available")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 只读链客户端，多个 RPC 端点之间故障切换
type Client struct {
	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建链客户端并连接第一个可用端点
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{URL: url, IsHealthy: true}
	}

	c := &Client{
		endpoints:       endpoints,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		healthCheckFreq: cfg.HealthCheckFreq,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryInterval <= 0 {
		c.retryInterval = time.Second
	}
	if c.healthCheckFreq <= 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect 从当前端点开始依次尝试，近期失败过的端点在 healthCheckFreq 内跳过
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err == nil {
			_, err = client.ChainID(ctx)
			if err != nil {
				client.Close()
			}
		}
		ep.LastCheck = time.Now()
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			logger.Warn("rpc endpoint unavailable",
				zap.String("url", ep.URL),
				zap.Int("error_count", ep.ErrorCount),
				zap.Error(err))
			continue
		}

		if c.client != nil {
			c.client.Close()
		}
		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// markUnhealthy 当前端点出错，丢弃连接以便下次重连切换
func (c *Client) markUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoints[c.currentIdx]
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
	if len(c.endpoints) > 1 {
		if c.client != nil {
			c.client.Close()
			c.client = nil
		}
		c.currentIdx = (c.currentIdx + 1) % len(c.endpoints)
	}
}

// withRetry 带重试的操作，耗尽后返回 ErrRPCUnavailable
func (c *Client) withRetry(ctx context.Context, op string, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return pkgerrors.WrapWithCause(pkgerrors.ErrRPCUnavailable, ctx.Err(), "%s", op)
			case <-time.After(c.retryInterval):
			}
		}

		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		if err = fn(client); err == nil {
			return nil
		}
		lastErr = err
		c.markUnhealthy()
	}
	return pkgerrors.WrapWithCause(pkgerrors.ErrRPCUnavailable, lastErr, "%s", op)
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, "eth_blockNumber", func(client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// FilterLogs 过滤日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, "eth_getLogs", func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, *ep)
		}
	}
	return healthy
}
