package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/schema"
)

type recordingRegistrar struct {
	mu    sync.Mutex
	tools []schema.Tool
}

func (r *recordingRegistrar) Add(t schema.Tool) schema.Tool {
	r.mu.Lock()
	r.tools = append(r.tools, t)
	r.mu.Unlock()
	return t
}

func (r *recordingRegistrar) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Name())
	}
	return out
}

// fakeMCPServer answers tools/list and tools/call over HTTP JSON-RPC.
func fakeMCPServer(t *testing.T, listCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(fakeMCPHandler(t, listCalls))
}

func fakeMCPHandler(t *testing.T, listCalls *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req["method"] {
		case "tools/list":
			listCalls.Add(1)
			result = map[string]any{
				"tools": []map[string]any{
					{
						"name":        "get_weather",
						"description": "Current weather for a city",
						"inputSchema": map[string]any{
							"type":       "object",
							"properties": map[string]any{"city": map[string]any{"type": "string"}},
						},
					},
				},
			}
		case "tools/call":
			result = map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": "sunny, 21C"},
				},
			}
		default:
			result = map[string]any{}
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": result}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
}

func TestManagerRegistersDiscoveredTools(t *testing.T) {
	var listCalls atomic.Int64
	srv := fakeMCPServer(t, &listCalls)
	defer srv.Close()

	m := NewManager(map[string]ServerConfig{"weather": {URL: srv.URL}})
	defer m.Close()
	reg := &recordingRegistrar{}

	require.NoError(t, m.EnsureConnected(context.Background(), reg))
	assert.True(t, m.Connected())
	assert.Equal(t, []string{"mcp_weather_get_weather"}, reg.names())

	out, err := reg.tools[0].Execute(context.Background(), map[string]any{"city": "Prague"})
	require.NoError(t, err)
	assert.Equal(t, "sunny, 21C", out)
}

func TestManagerConnectsOnceUnderConcurrency(t *testing.T) {
	var listCalls atomic.Int64
	srv := fakeMCPServer(t, &listCalls)
	defer srv.Close()

	m := NewManager(map[string]ServerConfig{"weather": {URL: srv.URL}})
	defer m.Close()
	reg := &recordingRegistrar{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.EnsureConnected(context.Background(), reg))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), listCalls.Load(), "tool discovery must run exactly once")
	assert.Len(t, reg.names(), 1)
}

func TestManagerRetriesAfterFailedAttempt(t *testing.T) {
	var listCalls atomic.Int64
	srv := fakeMCPServer(t, &listCalls)
	defer srv.Close()

	m := NewManager(map[string]ServerConfig{"weather": {URL: srv.URL}})
	defer m.Close()
	reg := &recordingRegistrar{}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, m.EnsureConnected(cancelled, reg))
	assert.False(t, m.Connected(), "failed attempt must not latch")

	require.NoError(t, m.EnsureConnected(context.Background(), reg))
	assert.True(t, m.Connected())
	assert.Len(t, reg.names(), 1)
}

func TestManagerTotalFailureDoesNotLatch(t *testing.T) {
	var listCalls atomic.Int64
	var down atomic.Bool
	down.Store(true)
	inner := fakeMCPHandler(t, &listCalls)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	m := NewManager(map[string]ServerConfig{"weather": {URL: srv.URL}})
	defer m.Close()
	reg := &recordingRegistrar{}

	require.Error(t, m.EnsureConnected(context.Background(), reg),
		"an attempt where every server fails must report an error")
	assert.False(t, m.Connected(), "total failure must not latch")
	assert.Empty(t, reg.names())

	// Once the server recovers, the very next call must try again.
	down.Store(false)
	require.NoError(t, m.EnsureConnected(context.Background(), reg))
	assert.True(t, m.Connected())
	assert.Equal(t, []string{"mcp_weather_get_weather"}, reg.names())
}

func TestManagerSkipsBrokenServer(t *testing.T) {
	var listCalls atomic.Int64
	srv := fakeMCPServer(t, &listCalls)
	defer srv.Close()

	m := NewManager(map[string]ServerConfig{
		"weather": {URL: srv.URL},
		"broken":  {}, // neither command nor url
	})
	defer m.Close()
	reg := &recordingRegistrar{}

	require.NoError(t, m.EnsureConnected(context.Background(), reg))
	assert.True(t, m.Connected())
	assert.Equal(t, []string{"mcp_weather_get_weather"}, reg.names())
}
