package ens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// TestClient_Resolve 测试批量查询与鉴权头
func TestClient_Resolve(t *testing.T) {
	var gotAuth string
	var gotIDs []interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotIDs, _ = req.Variables["ids"].([]interface{})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"domains": []map[string]string{
					{"id": "0xAB", "name": "vitalik.eth"},
					{"id": "0xcd", "name": ""},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(&Config{URL: srv.URL, Token: "secret", Timeout: time.Second})
	names, err := c.Resolve(context.Background(), []string{"0xab", "0xcd", "0xef"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, []interface{}{"0xab", "0xcd", "0xef"}, gotIDs)
	assert.Equal(t, map[string]string{"0xab": "vitalik.eth"}, names)
}

// TestClient_Resolve_Errors 测试 GraphQL 错误与 HTTP 错误
func TestClient_Resolve_Errors(t *testing.T) {
	gqlErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"indexing error"}]}`))
	}))
	defer gqlErr.Close()

	_, err := NewClient(&Config{URL: gqlErr.URL}).Resolve(context.Background(), []string{"0x01"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNameServiceUnavailable))
	assert.Contains(t, err.Error(), "indexing error")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer down.Close()

	_, err = NewClient(&Config{URL: down.URL}).Resolve(context.Background(), []string{"0x01"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNameServiceUnavailable))
}

// TestClient_Resolve_Empty 测试空输入不发请求
func TestClient_Resolve_Empty(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	names, err := NewClient(&Config{URL: srv.URL}).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.False(t, called)
}

// TestClient_RateLimit 测试限速等待受 ctx 控制
func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"domains":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{URL: srv.URL, RateLimit: 0.01})
	_, err := c.Resolve(context.Background(), []string{"0x01"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Resolve(ctx, []string{"0x01"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNameServiceUnavailable))
}
