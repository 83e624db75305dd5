package blockchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// newRPCServer 最小 JSON-RPC 节点，failBlockNumber 为 true 时 eth_blockNumber 返回错误
func newRPCServer(t *testing.T, head string, failBlockNumber *atomic.Bool, calls *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_chainId":
			resp["result"] = "0x1"
		case "eth_blockNumber":
			if calls != nil {
				calls.Add(1)
			}
			if failBlockNumber != nil && failBlockNumber.Load() {
				resp["error"] = map[string]interface{}{"code": -32000, "message": "upstream overloaded"}
			} else {
				resp["result"] = head
			}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestClient_BlockNumber 测试正常获取区块高度
func TestClient_BlockNumber(t *testing.T) {
	srv := newRPCServer(t, "0x1f4", nil, nil)

	c, err := NewClient(context.Background(), &ClientConfig{RPCURLs: []string{srv.URL}, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), head)
	assert.NoError(t, c.HealthCheck(context.Background()))
	assert.Len(t, c.GetHealthyEndpoints(), 1)
}

// TestClient_Failover 测试主节点出错后切换到备用节点
func TestClient_Failover(t *testing.T) {
	var primaryFails atomic.Bool
	primaryFails.Store(true)
	var primaryCalls, backupCalls atomic.Int32

	primary := newRPCServer(t, "0x1", &primaryFails, &primaryCalls)
	backup := newRPCServer(t, "0x2", nil, &backupCalls)

	c, err := NewClient(context.Background(), &ClientConfig{
		RPCURLs:       []string{primary.URL, backup.URL},
		MaxRetries:    3,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), backupCalls.Load())

	healthy := c.GetHealthyEndpoints()
	require.Len(t, healthy, 1)
	assert.Equal(t, backup.URL, healthy[0].URL)
}

// TestClient_RetriesExhausted 测试重试耗尽返回 ErrRPCUnavailable
func TestClient_RetriesExhausted(t *testing.T) {
	var fails atomic.Bool
	fails.Store(true)
	var calls atomic.Int32
	srv := newRPCServer(t, "0x1", &fails, &calls)

	c, err := NewClient(context.Background(), &ClientConfig{
		RPCURLs:       []string{srv.URL},
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.BlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrRPCUnavailable))
	assert.Contains(t, err.Error(), "upstream overloaded")
	assert.Equal(t, int32(2), calls.Load())
}

// TestNewClient_Errors 测试创建失败
func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), &ClientConfig{})
	assert.Error(t, err)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	_, err = NewClient(context.Background(), &ClientConfig{RPCURLs: []string{dead.URL}})
	assert.ErrorIs(t, err, ErrNoHealthyRPC)
}
