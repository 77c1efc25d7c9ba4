// Package mcpadapter serves the knowledge search over the Model Context Protocol.
package mcpadapter

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

const instructions = `Use knowledge_search to look up factory documentation before answering questions about equipment, procedures or incidents.
Cite evidence by its index, e.g. [1]. If the search returns no evidence, say that no relevant information was found instead of guessing.`

func NewServer(svc ports.QueryService, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"graphrag-assistant",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	searchTool := NewSearchTool(svc)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	return s
}
