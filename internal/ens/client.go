// Package ens ENS subgraph 名称查询客户端
package ens

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

const domainsQuery = `query domains($ids: [ID!]) {
  domains(where: { id_in: $ids }) {
    id
    name
  }
}`

// Config 客户端配置
type Config struct {
	URL        string
	Token      string
	RateLimit  float64 // 每秒请求数，<=0 不限速
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client ENS subgraph 客户端
type Client struct {
	gql     *graphql.Client
	token   string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewClient 创建客户端
func NewClient(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	gql := graphql.NewClient(cfg.URL, graphql.WithHTTPClient(httpClient))
	gql.Log = func(s string) { logger.Debug("ens graphql", zap.String("msg", s)) }

	return &Client{
		gql:     gql,
		token:   cfg.Token,
		limiter: limiter,
		timeout: cfg.Timeout,
	}
}

type domainsResponse struct {
	Domains []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"domains"`
}

// Resolve 批量查询 node 对应的名称，返回 node(小写) -> name，未知 node 不在结果中
func (c *Client) Resolve(ctx context.Context, nodes []string) (map[string]string, error) {
	if len(nodes) == 0 {
		return map[string]string{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pkgerrors.WrapWithCause(pkgerrors.ErrNameServiceUnavailable, err, "rate limit wait")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := graphql.NewRequest(domainsQuery)
	req.Var("ids", nodes)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	var resp domainsResponse
	if err := c.gql.Run(ctx, req, &resp); err != nil {
		return nil, pkgerrors.WrapWithCause(pkgerrors.ErrNameServiceUnavailable, err, "query %d domains", len(nodes))
	}

	names := make(map[string]string, len(resp.Domains))
	for _, d := range resp.Domains {
		if d.ID == "" || d.Name == "" {
			continue
		}
		names[strings.ToLower(d.ID)] = d.Name
	}
	return names, nil
}
