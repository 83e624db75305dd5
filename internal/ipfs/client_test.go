package ipfs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwebhost/dweb-alpha/pkg/circuitbreaker"
	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

// fakeKubo 模拟 Kubo RPC，按路径参数决定返回
type fakeKubo struct {
	mu       sync.Mutex
	files    map[string]bool // path -> 是否目录
	delay    time.Duration
	fail500  bool
	requests []string
}

func (f *fakeKubo) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arg := r.URL.Query().Get("arg")
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path+" "+arg)
		files, delay, fail := f.files, f.delay, f.fail500
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail {
			writeKuboError(w, "internal failure", 2)
			return
		}

		isDir, ok := files[arg]
		switch r.URL.Path {
		case "/api/v0/cat":
			switch {
			case !ok:
				writeKuboError(w, "block was not found locally (offline): ipld: could not find "+arg, 0)
			case isDir:
				writeKuboError(w, "this dag node is a directory", 0)
			default:
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("<"))
			}
		case "/api/v0/ls":
			if !ok {
				writeKuboError(w, "merkledag: not found", 0)
				return
			}
			writeJSON(w, map[string]interface{}{"Objects": []map[string]interface{}{{"Hash": arg, "Links": []interface{}{}}}})
		case "/api/v0/pin/add":
			if !ok {
				writeKuboError(w, "pin: merkledag: not found", 0)
				return
			}
			writeJSON(w, map[string]interface{}{"Pins": []string{arg}})
		case "/api/v0/repo/stat":
			writeJSON(w, map[string]interface{}{"RepoSize": 12939428, "StorageMax": 10000000000, "NumObjects": 42})
		default:
			http.NotFound(w, r)
		}
	})
}

func writeKuboError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"Message": msg, "Code": code, "Type": "error"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, kubo *fakeKubo) (*Client, *httptest.Server) {
	srv := httptest.NewServer(kubo.handler())
	t.Cleanup(srv.Close)
	return NewClient(&Config{APIURL: srv.URL, FailureThreshold: 2, BreakerTimeout: time.Minute}), srv
}

// TestClient_Cat 测试文件、目录与不存在内容
func TestClient_Cat(t *testing.T) {
	kubo := &fakeKubo{files: map[string]bool{"/ipfs/file": false, "/ipfs/dir": true}}
	c, _ := newTestClient(t, kubo)
	ctx := context.Background()

	isDir, err := c.Cat(ctx, "/ipfs/file")
	require.NoError(t, err)
	assert.False(t, isDir)

	isDir, err = c.Cat(ctx, "/ipfs/dir")
	require.NoError(t, err)
	assert.True(t, isDir)

	_, err = c.Cat(ctx, "/ipfs/missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrContentNotFound), err.Error())

	assert.NoError(t, c.Ls(ctx, "/ipfs/dir"))
	err = c.Ls(ctx, "/ipfs/missing")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrContentNotFound))
}

// TestClient_PinAndRepoStat 测试 pin 与仓库统计
func TestClient_PinAndRepoStat(t *testing.T) {
	kubo := &fakeKubo{files: map[string]bool{"/ipfs/file": false}}
	c, _ := newTestClient(t, kubo)
	ctx := context.Background()

	require.NoError(t, c.PinAdd(ctx, "/ipfs/file"))
	err := c.PinAdd(ctx, "/ipfs/missing")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrContentNotFound))

	stat, err := c.RepoStat(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12939428), stat.RepoSize)
	assert.Equal(t, uint64(42), stat.NumObjects)

	kubo.mu.Lock()
	defer kubo.mu.Unlock()
	assert.Contains(t, kubo.requests, "/api/v0/pin/add /ipfs/file")
}

// TestClient_DaemonFailureIsNotNotFound 测试 ErrNormal 的内部错误按不可用处理并触发熔断
func TestClient_DaemonFailureIsNotNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeKuboError(w, "leveldb: closed", 0)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(&Config{APIURL: srv.URL, FailureThreshold: 3, BreakerTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Cat(ctx, "/ipfs/file")
		require.Error(t, err)
		assert.False(t, pkgerrors.Is(err, pkgerrors.ErrContentNotFound), err.Error())
		assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable), err.Error())
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	// ErrClient 同理，只有消息表明内容不存在时才是 notfound
	assert.True(t, pkgerrors.Is(classify("ls", "/ipfs/x", &shell.Error{Message: "repo lock held", Code: kuboErrClient}), pkgerrors.ErrStorageUnavailable))
	assert.True(t, pkgerrors.Is(classify("ls", "/ipfs/x", &shell.Error{Message: "merkledag: not found", Code: kuboErrClient}), pkgerrors.ErrContentNotFound))
	assert.True(t, pkgerrors.Is(classify("ls", "/ipfs/x", &shell.Error{Message: "whatever", Code: kuboErrNotFound}), pkgerrors.ErrContentNotFound))
}

// TestClient_Timeout 测试超时映射为 ErrStorageTimeout 且不触发熔断
func TestClient_Timeout(t *testing.T) {
	kubo := &fakeKubo{files: map[string]bool{"/ipfs/file": false}, delay: time.Second}
	c, _ := newTestClient(t, kubo)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.Cat(ctx, "/ipfs/file")
		cancel()
		require.Error(t, err)
		assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageTimeout), err.Error())
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}

// TestClient_BreakerOpens 测试节点内部错误触发熔断
func TestClient_BreakerOpens(t *testing.T) {
	kubo := &fakeKubo{files: map[string]bool{}, fail500: true}
	c, _ := newTestClient(t, kubo)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.PinAdd(ctx, "/ipfs/x")
		assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable), err.Error())
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	kubo.mu.Lock()
	before := len(kubo.requests)
	kubo.mu.Unlock()

	err := c.PinAdd(ctx, "/ipfs/x")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable))

	kubo.mu.Lock()
	assert.Equal(t, before, len(kubo.requests))
	kubo.mu.Unlock()
}

// TestClient_TransportError 测试连接失败映射为 ErrStorageUnavailable
func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(&Config{APIURL: url})
	_, err := c.RepoStat(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable), err.Error())
}

// TestClassify_CommandNotFound 测试 API 路径不存在不被当作内容不存在
func TestClassify_CommandNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(&Config{APIURL: srv.URL})
	err := c.PinAdd(context.Background(), "/ipfs/x")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable), err.Error())
}
