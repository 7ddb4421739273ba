package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// MCPServer is one entry of the mcpServers document: a stdio subprocess
// ({command, args, env}) or an HTTP endpoint ({url, env}). ID defaults to
// the map key.
type MCPServer struct {
	ID      string            `json:"id,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// Transport reports "stdio" or "http" from the populated fields.
func (s MCPServer) Transport() string {
	if s.Command != "" {
		return "stdio"
	}
	return "http"
}

type mcpDocument struct {
	MCPServers map[string]MCPServer `json:"mcpServers"`
}

// LoadMCPServers parses the JSON document at path, whose top-level key is
// mcpServers. Entries lacking both a command and a url are skipped. The
// result is sorted by id for deterministic registration order.
func LoadMCPServers(path string) ([]MCPServer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mcp config %s: %w", path, err)
	}
	return ParseMCPServers(raw)
}

// ParseMCPServers parses a raw mcpServers document.
func ParseMCPServers(raw []byte) ([]MCPServer, error) {
	var doc mcpDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse mcp config: %w", err)
	}

	servers := make([]MCPServer, 0, len(doc.MCPServers))
	for key, server := range doc.MCPServers {
		if server.Command == "" && server.URL == "" {
			continue
		}
		if server.ID == "" {
			server.ID = key
		}
		servers = append(servers, server)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}
