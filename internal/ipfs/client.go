// Package ipfs 存储后端 (Kubo RPC) 客户端
//
// 所有调用经过熔断器，错误统一转换为 pkg/errors 中的存储错误码：
//
//	ErrContentNotFound    节点明确返回内容不存在或路径无法解析
//	ErrStorageTimeout     ctx 超时
//	ErrStorageUnavailable 传输错误、节点内部错误、熔断打开
package ipfs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"

	"github.com/dwebhost/dweb-alpha/internal/metrics"
	"github.com/dwebhost/dweb-alpha/pkg/circuitbreaker"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// Kubo cmds 错误类型
const (
	kuboErrNormal         = 0
	kuboErrClient         = 1
	kuboErrImplementation = 2
	kuboErrNotFound       = 3
	kuboErrFatal          = 4
)

// RepoStat repo/stat 返回
type RepoStat struct {
	RepoSize   uint64 `json:"RepoSize"`
	StorageMax uint64 `json:"StorageMax"`
	NumObjects uint64 `json:"NumObjects"`
}

// Config 客户端配置
type Config struct {
	APIURL           string
	FailureThreshold int
	BreakerTimeout   time.Duration
	HTTPClient       *http.Client
}

// Client Kubo RPC 客户端
type Client struct {
	sh      *shell.Shell
	breaker *circuitbreaker.CircuitBreaker
}

// NewClient 创建客户端
func NewClient(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	breakerCfg.IsFailure = func(err error) bool {
		return pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable)
	}
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("storage circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		metrics.StorageBreakerOpen.Set(boolGauge(to == circuitbreaker.StateOpen))
	}

	return &Client{
		sh:      shell.NewShellWithClient(cfg.APIURL, httpClient),
		breaker: circuitbreaker.New(breakerCfg),
	}
}

// Cat 读取首字节确认内容可取到；目录返回 isDir=true
func (c *Client) Cat(ctx context.Context, path string) (isDir bool, err error) {
	err = c.call(ctx, "cat", func(ctx context.Context) error {
		resp, err := c.sh.Request("cat", path).Option("length", 1).Send(ctx)
		if err != nil {
			return classify("cat", path, err)
		}
		defer resp.Close()

		if resp.Error != nil {
			if isDirectoryError(resp.Error) {
				isDir = true
				return nil
			}
			return classify("cat", path, resp.Error)
		}

		if _, err := io.Copy(io.Discard, resp.Output); err != nil {
			if isDirectoryError(err) {
				isDir = true
				return nil
			}
			return classify("cat", path, err)
		}
		return nil
	})
	return isDir, err
}

// Ls 列目录，成功即视为可取到
func (c *Client) Ls(ctx context.Context, path string) error {
	return c.call(ctx, "ls", func(ctx context.Context) error {
		var out struct {
			Objects []struct {
				Hash  string `json:"Hash"`
				Links []struct {
					Name string `json:"Name"`
				} `json:"Links"`
			} `json:"Objects"`
		}
		if err := c.sh.Request("ls", path).Option("resolve-type", false).Exec(ctx, &out); err != nil {
			return classify("ls", path, err)
		}
		return nil
	})
}

// PinAdd 递归 pin
func (c *Client) PinAdd(ctx context.Context, path string) error {
	return c.call(ctx, "pin/add", func(ctx context.Context) error {
		var out struct {
			Pins []string `json:"Pins"`
		}
		if err := c.sh.Request("pin/add", path).Option("recursive", true).Exec(ctx, &out); err != nil {
			return classify("pin/add", path, err)
		}
		return nil
	})
}

// RepoStat 仓库容量
func (c *Client) RepoStat(ctx context.Context) (*RepoStat, error) {
	var stat RepoStat
	err := c.call(ctx, "repo/stat", func(ctx context.Context) error {
		if err := c.sh.Request("repo/stat").Option("size-only", true).Exec(ctx, &stat); err != nil {
			return classify("repo/stat", "", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// BreakerState 熔断器状态
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = pkgerrors.WrapWithCause(pkgerrors.ErrStorageUnavailable, err, "%s", op)
	}
	metrics.StorageRequestsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	metrics.StorageRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

// classify 将 go-ipfs-api / http 错误映射为存储错误码
func classify(op, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.WrapWithCause(pkgerrors.ErrStorageTimeout, err, "%s %s", op, path)
	}

	var apiErr *shell.Error
	if errors.As(err, &apiErr) {
		// 404 由客户端库生成，表示 API 路径不存在而不是内容不存在
		if apiErr.Message == "command not found" {
			return pkgerrors.WrapWithCause(pkgerrors.ErrStorageUnavailable, err, "%s %s", op, path)
		}
		// Kubo 的守护进程内部故障大多也是 ErrNormal，只有 ErrNotFound 可直接判定
		switch apiErr.Code {
		case kuboErrNotFound:
			return pkgerrors.WrapWithCause(pkgerrors.ErrContentNotFound, err, "%s %s", op, path)
		case kuboErrNormal, kuboErrClient:
			if isNotFoundMessage(apiErr.Message) {
				return pkgerrors.WrapWithCause(pkgerrors.ErrContentNotFound, err, "%s %s", op, path)
			}
		}
		return pkgerrors.WrapWithCause(pkgerrors.ErrStorageUnavailable, err, "%s %s", op, path)
	}

	// 流式响应尾部错误 (X-Stream-Error) 不带错误类型
	if isNotFoundMessage(err.Error()) {
		return pkgerrors.WrapWithCause(pkgerrors.ErrContentNotFound, err, "%s %s", op, path)
	}
	return pkgerrors.WrapWithCause(pkgerrors.ErrStorageUnavailable, err, "%s %s", op, path)
}

func isDirectoryError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "is a directory")
}

func isNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "no link named") ||
		strings.Contains(m, "could not find") ||
		strings.Contains(m, "could not resolve") ||
		strings.Contains(m, "invalid path") ||
		strings.Contains(m, "invalid cid")
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pkgerrors.Is(err, pkgerrors.ErrContentNotFound):
		return "not_found"
	case pkgerrors.Is(err, pkgerrors.ErrStorageTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
