// Package toolserver manages connections to external tool servers.
//
// Two transports are supported: a child process speaking newline-delimited
// JSON-RPC on stdio, and an HTTP server that pushes responses over a
// server-sent event stream while requests are POSTed to an endpoint it
// announces. Both expose the same Conn lifecycle. The Manager owns every
// handle and converts call failures into text so a broken tool cannot abort a
// conversation turn.
package toolserver
