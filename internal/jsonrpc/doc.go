// Package jsonrpc implements the JSON-RPC 2.0 plumbing shared by the backend
// session and the tool-server connections.
//
// # Wire Dialects
//
// Two framings are supported behind the Codec interface:
//
//   - FramedCodec: "Content-Length: N\r\n\r\n<body>" frames, used by the
//     language-model backend over child-process stdio.
//   - LineCodec: one JSON object per line, used by stdio tool servers.
//
// # Correlation
//
// Correlator assigns monotonically increasing integer ids and parks one
// completion slot per in-flight request. Conn couples a Codec with a
// Correlator and a read loop, and is symmetric: it can both issue requests
// and answer requests initiated by the peer.
//
// Unmatched response ids are logged and dropped by default. A connection may
// opt into receiving them through Options.OnUnmatched instead.
package jsonrpc
