package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("settlehub", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolEligibleMethods, h.HandleEligibleMethods)
	s.AddTool(ToolOrderStatus, h.HandleOrderStatus)
	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolPendingDisputes, h.HandlePendingDisputes)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolQueuedPayouts, h.HandleQueuedPayouts)
	s.AddTool(ToolGatewayCircuit, h.HandleGatewayCircuit)

	return s
}
