package mcp

// ServerConfig holds the connection parameters for a single MCP server.
// Command-based servers run as subprocesses speaking JSON-RPC over stdio;
// URL-based servers are called over HTTP.
type ServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}
