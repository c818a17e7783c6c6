// Package builtins provides the sample local tool packs.
//
// Files pack (builtin:files):
//
//   - read_file (native): read a file, optionally a line range
//   - list_dir (native): list a directory
//   - create_file (native, mutating): create a new file
//   - replace_in_file (registered, mutating): replace one exact occurrence
//
// Notes pack (builtin:notes), scoped per conversation:
//
//   - note_set, note_get, note_list, note_delete (registered)
//
// Paths are resolved against the workspace root and may not escape it.
//
// Register both packs:
//
//	builtins.RegisterAll(registry)
package builtins
