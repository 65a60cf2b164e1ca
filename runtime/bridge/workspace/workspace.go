// Package workspace manages per-client working directories rooted in the
// configured project. Each logical client gets
// <project>/.bridge-clients/<client_id>/ populated with relative symlinks to
// the eligible top-level project entries, so the assistant sees the project
// while its own outputs stay isolated and survive across requests.
//
// The snapshot/diff pair brackets a request: files that are new or modified
// between the two walks are the request's outputs and are handed to the
// upload client.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ClientsDir is the directory under the project root that holds per-client
// workspaces.
const ClientsDir = ".bridge-clients"

// Walk and diff bounds.
const (
	// DefaultMaxEntries bounds a single snapshot walk.
	DefaultMaxEntries = 10000
	// MaxDiffFiles caps the number of changed files reported per request.
	MaxDiffFiles = 50
)

// allowlist entries are always linked into a client workspace, dotfile or not.
var allowlist = map[string]bool{
	"CLAUDE.md": true,
	".claude":   true,
	".agents":   true,
	"src":       true,
}

// denylist entries are never linked and never walked.
var denylist = map[string]bool{
	ClientsDir:     true,
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

type (
	// Manager prepares client workspaces and snapshots them around requests.
	Manager struct {
		projectRoot string
		maxEntries  int
	}

	// Option customizes a Manager.
	Option func(*Manager)

	// FileInfo is the change-detection fingerprint of one regular file.
	FileInfo struct {
		MtimeNS int64
		Size    int64
	}

	// Snapshot maps absolute file paths to their fingerprints. Snapshots are
	// immutable once returned.
	Snapshot map[string]FileInfo
)

// WithMaxEntries bounds a single snapshot walk. Values at or below zero keep
// DefaultMaxEntries.
func WithMaxEntries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewManager returns a Manager rooted at the given project directory.
func NewManager(projectRoot string, opts ...Option) *Manager {
	m := &Manager{projectRoot: projectRoot, maxEntries: DefaultMaxEntries}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// ClientWorkspace ensures the per-client directory exists and is populated
// with relative symlinks to the eligible top-level project entries. Existing
// entries inside the client directory are preserved so agent-created outputs
// survive across requests. It returns the workspace path.
func (m *Manager) ClientWorkspace(clientID string) (string, error) {
	if m.projectRoot == "" {
		return "", fmt.Errorf("workspace: project root not configured")
	}
	if clientID == "" {
		return "", fmt.Errorf("workspace: client id is required")
	}
	dir := filepath.Join(m.projectRoot, ClientsDir, sanitizeSegment(clientID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create client dir: %w", err)
	}
	entries, err := os.ReadDir(m.projectRoot)
	if err != nil {
		return "", fmt.Errorf("workspace: read project root: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !eligible(name) {
			continue
		}
		target := filepath.Join(dir, name)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		// Relative target keeps the client directory movable with the
		// project.
		rel := filepath.Join("..", "..", name)
		if err := os.Symlink(rel, target); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("workspace: link %s: %w", name, err)
		}
	}
	return dir, nil
}

// eligible reports whether a top-level project entry is linked into client
// workspaces: allowlisted names always, otherwise any non-dotfile name not in
// the denylist and not matching the output exclusions.
func eligible(name string) bool {
	if allowlist[name] {
		return true
	}
	if denylist[name] {
		return false
	}
	if strings.HasPrefix(name, ".env") {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, ".log") {
		return false
	}
	return true
}

// Take walks the workspace and records every regular file's fingerprint.
// Directory symlinks are followed (with realpath cycle detection); file
// symlinks are skipped since they point at upstream project files rather than
// agent outputs. The walk is bounded and skips the directory denylist.
func (m *Manager) Take(root string) (Snapshot, error) {
	snap := make(Snapshot)
	visited := make(map[string]bool)
	count := 0
	var walk func(dir string) error
	walk = func(dir string) error {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil
		}
		if visited[real] {
			return nil
		}
		visited[real] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, entry := range entries {
			if count >= m.maxEntries {
				return nil
			}
			count++
			name := entry.Name()
			path := filepath.Join(dir, name)
			if entry.IsDir() {
				if denylist[name] {
					continue
				}
				if err := walk(path); err != nil {
					return err
				}
				continue
			}
			if entry.Type()&os.ModeSymlink != 0 {
				// Could be a symlinked directory (project entry): follow it.
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if info.IsDir() {
					if denylist[name] {
						continue
					}
					if err := walk(path); err != nil {
						return err
					}
				}
				// File symlinks are upstream project files, not outputs.
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				continue
			}
			snap[abs] = FileInfo{MtimeNS: info.ModTime().UnixNano(), Size: info.Size()}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff re-walks the workspace and returns the absolute paths of files that
// are absent from the prior snapshot or whose (mtime_ns, size) changed. The
// result is sorted and capped at MaxDiffFiles.
func (m *Manager) Diff(root string, prior Snapshot) ([]string, error) {
	current, err := m.Take(root)
	if err != nil {
		return nil, err
	}
	var changed []string
	for path, info := range current {
		if prev, ok := prior[path]; ok && prev == info {
			continue
		}
		changed = append(changed, path)
	}
	sort.Strings(changed)
	if len(changed) > MaxDiffFiles {
		changed = changed[:MaxDiffFiles]
	}
	return changed, nil
}

// sanitizeSegment makes a client id safe for use as a directory name.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
