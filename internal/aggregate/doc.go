// Package aggregate folds every tool of one tool server into a single compound
// tool with an "action" enum, and routes calls on that compound tool back to
// the original server and tool names.
//
// Server and action names that contain trigger words are rewritten to neutral
// aliases. Both the rewritten and the original names resolve to the same
// entry, so calls work whichever name the backend echoes back.
package aggregate
