package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"
)

// ExecResolver locates CLI executables and caches the result per name.
// The zero value uses the process environment.
type ExecResolver struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	// HomeDir overrides the user home directory used for known locations.
	HomeDir string
	// DisableShellProbe skips the login-shell lookup.
	DisableShellProbe bool

	mu    sync.Mutex
	cache map[string]string
}

func (r *ExecResolver) getenv(k string) string {
	if r.Getenv != nil {
		return r.Getenv(k)
	}
	return os.Getenv(k)
}

func (r *ExecResolver) lookPath(name string) (string, error) {
	if r.LookPath != nil {
		return r.LookPath(name)
	}
	return exec.LookPath(name)
}

// Resolve finds name in order: the override variable envVar, PATH, known
// user-local install locations, then `$SHELL -lc 'command -v name'`.
func (r *ExecResolver) Resolve(name, envVar string) (string, error) {
	r.mu.Lock()
	if p, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := r.resolve(name, envVar)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if r.cache == nil {
		r.cache = map[string]string{}
	}
	r.cache[name] = p
	r.mu.Unlock()
	return p, nil
}

func (r *ExecResolver) resolve(name, envVar string) (string, error) {
	if envVar != "" {
		if p := strings.TrimSpace(r.getenv(envVar)); p != "" {
			if isExecutable(p) {
				return p, nil
			}
			return "", fmt.Errorf("%s=%s is not an executable file", envVar, p)
		}
	}
	if p, err := r.lookPath(name); err == nil && p != "" {
		return p, nil
	}
	for _, p := range r.knownLocations(name) {
		if isExecutable(p) {
			return p, nil
		}
	}
	if !r.DisableShellProbe && goruntime.GOOS != "windows" {
		if p := r.shellProbe(name); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s executable not found", name)
}

func (r *ExecResolver) knownLocations(name string) []string {
	home := r.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if goruntime.GOOS == "windows" {
		appData := r.getenv("APPDATA")
		if appData == "" {
			return nil
		}
		return []string{filepath.Join(appData, "npm", name+".cmd")}
	}
	var out []string
	if home != "" {
		out = append(out,
			filepath.Join(home, ".npm-global", "bin", name),
			filepath.Join(home, ".local", "bin", name),
			filepath.Join(home, ".claude", "local", name),
		)
	}
	return append(out,
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
	)
}

func (r *ExecResolver) shellProbe(name string) string {
	shell := strings.TrimSpace(r.getenv("SHELL"))
	if shell == "" {
		shell = "/bin/sh"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, shell, "-lc", "command -v "+shellQuote(name)).Output()
	if err != nil {
		return ""
	}
	p := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(p, '\n'); i >= 0 {
		p = strings.TrimSpace(p[i+1:])
	}
	if filepath.IsAbs(p) && isExecutable(p) {
		return p
	}
	return ""
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if goruntime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commandFor wraps .cmd/.bat shims with `cmd /c` on Windows.
func commandFor(path string, args []string) (string, []string) {
	if goruntime.GOOS == "windows" {
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".cmd" || ext == ".bat" {
			return "cmd", append([]string{"/c", path}, args...)
		}
	}
	return path, args
}
