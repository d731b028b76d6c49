// Package mcp implements the client side of the Model Context Protocol,
// the channel through which tether discovers a server's tools,
// resources and prompts and invokes its tools.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client lists capabilities with the */list
// methods, invokes tools with tools/call, and forwards the server's
// list_changed notifications to registered callbacks so a registry
// can refresh itself.
//
// Only the client/host side is implemented.
package mcp
