// Package mcp is Scout's MCP (Model Context Protocol) client.
//
// MCP speaks JSON-RPC 2.0. Three transports are supported: a stdio
// subprocess, streamable HTTP, and WebSocket. A [Client] performs the
// handshake, lists tools with tools/list and invokes them with
// tools/call. [LoadTools] connects to every configured server and turns
// the discovered catalog into a [tools.Registry] the conversation loop
// hands to the model.
//
// Scout is only ever the client side of MCP.
package mcp
