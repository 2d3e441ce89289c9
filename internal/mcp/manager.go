package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/silverotter/silverotter/internal/schema"
)

// Manager owns the lifecycle of all MCP server connections for a single agent.
// Connection is lazy: nothing is dialed until the first EnsureConnected call,
// and a failed attempt is retried on the next call instead of latching.
type Manager struct {
	servers map[string]ServerConfig

	group     singleflight.Group
	connected atomic.Bool

	mu      sync.Mutex
	clients []*client
}

// NewManager returns a Manager configured with the given MCP servers.
func NewManager(servers map[string]ServerConfig) *Manager {
	return &Manager{servers: servers}
}

// EnsureConnected connects to all configured MCP servers and registers their
// discovered tools into ts. Concurrent callers share a single connection
// attempt; once an attempt completes the connected flag makes later calls
// no-ops. Individual server failures are logged and skipped (non-fatal), but
// when every configured server fails — or the context is cancelled — the
// attempt errors without latching, so the next call retries.
func (m *Manager) EnsureConnected(ctx context.Context, ts schema.ToolRegistrar) error {
	if m.connected.Load() {
		return nil
	}
	_, err, _ := m.group.Do("connect", func() (any, error) {
		if m.connected.Load() {
			return nil, nil
		}
		n, err := m.connectAll(ctx, ts)
		if err != nil {
			return nil, err
		}
		if len(m.servers) > 0 && n == 0 {
			return nil, fmt.Errorf("all %d MCP servers failed to connect", len(m.servers))
		}
		m.connected.Store(true)
		return nil, nil
	})
	return err
}

// Connected reports whether a connection attempt has completed.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// connectAll dials every configured server and returns how many connected.
func (m *Manager) connectAll(ctx context.Context, ts schema.ToolRegistrar) (int, error) {
	connected := 0
	for name, cfg := range m.servers {
		if err := ctx.Err(); err != nil {
			return connected, err
		}

		c := newClient(name, cfg)
		if err := c.connect(ctx); err != nil {
			slog.Error("MCP server connect failed", "server", name, "err", err)
			continue
		}

		toolDefs, err := c.listTools(ctx)
		if err != nil {
			slog.Error("MCP server list_tools failed", "server", name, "err", err)
			continue
		}

		for _, toolDef := range toolDefs {
			toolName, _ := toolDef["name"].(string)
			if toolName == "" {
				continue
			}
			desc, _ := toolDef["description"].(string)
			inputSchema, _ := toolDef["inputSchema"].(map[string]any)
			if inputSchema == nil {
				inputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
			}

			schemaBytes, _ := json.Marshal(inputSchema)

			w := &toolWrapper{
				client:      c,
				name:        "mcp_" + name + "_" + toolName,
				origName:    toolName,
				description: desc,
				parameters:  json.RawMessage(schemaBytes),
			}

			ts.Add(w)

			slog.Debug("MCP tool registered", "server", name, "tool", w.name)
		}
		slog.Info("MCP server connected", "server", name, "tools", len(toolDefs))

		m.mu.Lock()
		m.clients = append(m.clients, c)
		m.mu.Unlock()
		connected++
	}
	return connected, nil
}

// Close stops all subprocess-based MCP servers owned by this manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill() //nolint:errcheck
		}
	}
	m.clients = nil
}
