// Package datafiles manages the host directory mounted into the bot container.
package datafiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNotFound is returned when the named file does not exist.
	ErrNotFound = errors.New("data file not found")
	// ErrInvalidName is returned for names that escape the data directory
	// or address hidden files.
	ErrInvalidName = errors.New("invalid data file name")
)

// ValidationError lists why content was rejected.
type ValidationError struct {
	Name   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid content for %s: %s", e.Name, strings.Join(e.Errors, "; "))
}

// Options configures a Manager.
type Options struct {
	Root        string
	DSLFilename string
	// SchemaPath optionally points at a JSON schema the DSL file must satisfy.
	SchemaPath string
}

// FileInfo describes one file in the data directory.
type FileInfo struct {
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"sizeBytes"`
	SizeHuman    string    `json:"sizeHuman"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// Manager reads and writes files below Root.
type Manager struct {
	root   string
	dsl    string
	schema *gojsonschema.Schema
}

// New creates a manager. The schema, when configured, is compiled up front so
// a broken schema fails at boot rather than on the first write.
func New(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("data directory is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	m := &Manager{root: root, dsl: opts.DSLFilename}
	if m.dsl == "" {
		m.dsl = "dsl.txt"
	}
	if opts.SchemaPath != "" {
		data, err := os.ReadFile(filepath.Clean(opts.SchemaPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema: %w", err)
		}
		m.schema = schema
	}
	return m, nil
}

// Root returns the absolute data directory.
func (m *Manager) Root() string {
	return m.root
}

// DSLFilename returns the name of the strategy file the bot reads.
func (m *Manager) DSLFilename() string {
	return m.dsl
}

// Validate checks the name, including symlinked components, and for JSON
// files the content.
func (m *Manager) Validate(name string, content []byte) (string, error) {
	rel, err := normalizeName(name)
	if err != nil {
		return "", err
	}
	if _, err := m.resolve(rel); err != nil {
		return rel, err
	}
	if rel != m.dsl && !strings.EqualFold(filepath.Ext(rel), ".json") {
		return rel, nil
	}
	if !json.Valid(content) {
		return rel, &ValidationError{Name: rel, Errors: []string{"content is not valid JSON"}}
	}
	if rel == m.dsl && m.schema != nil {
		result, err := m.schema.Validate(gojsonschema.NewBytesLoader(content))
		if err != nil {
			return rel, &ValidationError{Name: rel, Errors: []string{fmt.Sprintf("schema validation error: %v", err)}}
		}
		if !result.Valid() {
			verr := &ValidationError{Name: rel}
			for _, e := range result.Errors() {
				verr.Errors = append(verr.Errors, e.String())
			}
			return rel, verr
		}
	}
	return rel, nil
}

// Write validates and atomically replaces the named file.
func (m *Manager) Write(name string, content []byte) (*FileInfo, error) {
	rel, err := m.Validate(name, content)
	if err != nil {
		return nil, err
	}
	target, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := m.contained(dir); err != nil {
		return nil, fmt.Errorf("%w: %q", err, rel)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return nil, fmt.Errorf("sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("close %s: %w", rel, err)
	}
	// The bot may run as a different uid than the manager.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("chmod %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return nil, fmt.Errorf("replace %s: %w", rel, err)
	}
	return m.Stat(rel)
}

// Read returns the content of the named file.
func (m *Manager) Read(name string) ([]byte, error) {
	rel, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	target, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, err
	}
	return data, nil
}

// Stat describes the named file.
func (m *Manager) Stat(name string) (*FileInfo, error) {
	rel, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	target, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return toFileInfo(rel, info), nil
}

// List returns every regular, non-hidden file sorted by name. Symlinks are
// neither listed nor followed. A missing data directory yields an empty list.
func (m *Manager) List() ([]FileInfo, error) {
	files := []FileInfo{}
	err := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == m.root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if p == m.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.root, p)
		if err != nil {
			return err
		}
		files = append(files, *toFileInfo(filepath.ToSlash(rel), info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list data directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Delete removes the named file and any directories it leaves empty.
func (m *Manager) Delete(name string) error {
	rel, err := normalizeName(name)
	if err != nil {
		return err
	}
	target, err := m.resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	m.cleanupEmptyParents(target)
	return nil
}

func (m *Manager) path(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// resolve maps rel below the root. Any existing component that is a symlink
// is refused: the bot can write into the data directory and must not be able
// to point the manager at host files.
func (m *Manager) resolve(rel string) (string, error) {
	current := m.root
	for _, part := range strings.Split(rel, "/") {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %q passes through a symlink", ErrInvalidName, rel)
		}
	}
	target := m.path(rel)
	if err := m.contained(filepath.Dir(target)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", err, rel)
	}
	return target, nil
}

// contained checks that dir, with symlinks evaluated, is the root or below it.
func (m *Manager) contained(dir string) error {
	root, err := filepath.EvalSymlinks(m.root)
	if err != nil {
		return err
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return ErrInvalidName
	}
	return nil
}

func (m *Manager) cleanupEmptyParents(path string) {
	current := filepath.Dir(path)
	for current != m.root && strings.HasPrefix(current, m.root+string(filepath.Separator)) {
		entries, err := os.ReadDir(current)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(current); err != nil {
			return
		}
		current = filepath.Dir(current)
	}
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// normalizeName returns the slash separated relative form of name. Absolute
// paths, ".." segments and hidden segments are rejected rather than rewritten.
func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidName, raw)
	}
	parts := strings.Split(name, "/")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		switch {
		case part == "" || part == ".":
			continue
		case !segmentPattern.MatchString(part):
			return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
		}
		cleaned = append(cleaned, part)
	}
	if len(cleaned) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	return strings.Join(cleaned, "/"), nil
}

func toFileInfo(name string, info fs.FileInfo) *FileInfo {
	return &FileInfo{
		Name:         name,
		SizeBytes:    info.Size(),
		SizeHuman:    formatBytes(info.Size()),
		ModifiedTime: info.ModTime().UTC(),
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
