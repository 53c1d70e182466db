// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox pool as MCP tools: initializing
// a per-user sandbox, executing code inside it, tearing it down, and
// querying pool status. It uses the mark3labs/mcp-go library to handle the
// protocol details. Authentication and request routing are deliberately
// absent here; they belong to whatever fronts this server.
package mcpserver
