// Package mock provides an in-process mock upstream MCP server for
// tests. A Client implements upstream.MCPClient directly, so sessions
// exercise the real supervision and descriptor plumbing without child
// processes or sockets. Tools are scripted with conditional canned
// responses; FileServer returns the standard fixture used across
// packages.
package mock
