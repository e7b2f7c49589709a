// Package tools exposes panel state to agents.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/panelsync/pkg/tools/toolbox]: Tool type and ToolBox for registering, listing and calling tools
//   - [github.com/germanamz/panelsync/pkg/tools/mcpserver]: MCP server that serves a ToolBox over the Model Context Protocol
//
// The engine builds the panel toolbox; mcpserver only knows about toolbox.
package tools
