// Package packs provides the local tool system: the in-process tools the
// backend may call back into.
//
// # Overview
//
// Tools are grouped into packs and registered with a Registry. The Router
// executes backend-initiated calls against the registry and shapes each
// result into the envelope the backend expects for that tool.
//
// # Registration classes
//
// The backend knows some tool names natively (see NativeToolNames) and
// treats their results differently from tools registered at runtime:
//
//	ClassNative      - executor output is returned as-is
//	ClassRegistered  - output is wrapped as [{content:[{value}], status}, null]
//
// The class is fixed at registration. Registering a native name under
// ClassRegistered fails with ErrNativeReclassified.
//
// # Executors
//
// An executor receives an ExecEnv (workspace root, conversation ID and the
// file-changed hook) and its arguments, already validated against the
// tool's input schema. It returns []TextPart for read-only results or a
// Mutation for file changes. When a tool marked Mutating returns a
// successful Mutation, the router reports every listed path to the
// file-changed hook.
//
// # Usage
//
//	registry := packs.NewRegistry(logger)
//	_ = registry.RegisterPack(builtins.FilesPack())
//	router := packs.NewRouter(packs.RouterConfig{Registry: registry, WorkspaceRoot: root})
//	reply := router.Invoke(ctx, packs.Call{Name: "read_file", Args: args})
package packs
