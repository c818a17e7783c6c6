// ABOUTME: Builds the environment and executable path for spawned child processes.
// ABOUTME: Hosts launched from a desktop shell often carry a minimal PATH, so it is augmented.

package procenv

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// ErrNotFound is returned when an executable cannot be resolved.
var ErrNotFound = errors.New("executable not found")

// proxyVars are copied from the host in both spellings.
var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "ALL_PROXY"}

// Builder resolves executables and merges environments for child processes.
type Builder struct {
	// ExtraPaths are searched before the well-known install locations.
	ExtraPaths []string
	// EnvFile is an optional dotenv file layered over the host environment.
	EnvFile string
	// Proxy, when set, is injected as HTTP_PROXY/HTTPS_PROXY in both cases.
	Proxy string

	// lookupEnv and environ are replaced in tests.
	lookupEnv func(string) (string, bool)
	environ   func() []string
}

func (b *Builder) getenv(key string) string {
	if b.lookupEnv != nil {
		v, _ := b.lookupEnv(key)
		return v
	}
	return os.Getenv(key)
}

func (b *Builder) hostEnv() []string {
	if b.environ != nil {
		return b.environ()
	}
	return os.Environ()
}

// SearchPath returns the augmented PATH entries in search order, without
// duplicates.
func (b *Builder) SearchPath() []string {
	home := b.getenv("HOME")
	var dirs []string
	dirs = append(dirs, b.ExtraPaths...)
	dirs = append(dirs, filepath.SplitList(b.getenv("PATH"))...)
	dirs = append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, "go", "bin"),
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, ".deno", "bin"),
		)
	}
	dirs = append(dirs, "/usr/bin", "/bin")

	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// PathValue is SearchPath joined with the OS list separator.
func (b *Builder) PathValue() string {
	return strings.Join(b.SearchPath(), string(os.PathListSeparator))
}

// LookPath resolves name against the augmented PATH. Names containing a path
// separator are checked as given.
func (b *Builder) LookPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty command", ErrNotFound)
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, dir := range b.SearchPath() {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrNotFound, name, b.PathValue())
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// Env merges, in increasing precedence: the host environment, the env file,
// the augmented PATH, proxy variables and the per-process overrides.
func (b *Builder) Env(overrides map[string]string) ([]string, error) {
	merged := make(map[string]string)
	for _, kv := range b.hostEnv() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	if b.EnvFile != "" {
		fileEnv, err := godotenv.Read(b.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", b.EnvFile, err)
		}
		for k, v := range fileEnv {
			merged[k] = v
		}
	}

	merged["PATH"] = b.PathValue()

	for _, name := range proxyVars {
		if v := firstNonEmpty(merged[name], merged[strings.ToLower(name)]); v != "" {
			merged[name] = v
			merged[strings.ToLower(name)] = v
		}
	}
	if b.Proxy != "" {
		for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY"} {
			merged[name] = b.Proxy
			merged[strings.ToLower(name)] = b.Proxy
		}
	}

	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}

// Command builds an exec.Cmd for name with the resolved path and merged env.
func (b *Builder) Command(name string, args []string, overrides map[string]string) (*exec.Cmd, error) {
	path, err := b.LookPath(name)
	if err != nil {
		return nil, err
	}
	env, err := b.Env(overrides)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = env
	return cmd, nil
}

// CommandLine renders a resolved command for error messages.
func CommandLine(path string, args []string) string {
	if len(args) == 0 {
		return path
	}
	return path + " " + strings.Join(args, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
