// Package backend drives one connection to the language-model backend.
//
// A Session dials the backend (usually a child process speaking
// Content-Length framed JSON-RPC on stdio), performs the initialize
// handshake, makes sure the user is signed in, decides whether tool servers
// run locally or inside the backend, and registers the tools the backend may
// call back into. Once Ready it creates and continues conversations, fans
// $/progress notifications out to listeners and answers tool callbacks.
package backend
