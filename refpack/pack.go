// Package refpack loads reference-image packs and runs the preflight pass
// that deduplicates, budgets, and (optionally) chunks a submission before any
// network call is made.
package refpack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role names a reference-image role within a pack.
type Role string

const (
	RoleStyle       Role = "style"
	RoleProps       Role = "props"
	RoleSubject     Role = "subject"
	RolePose        Role = "pose"
	RoleEnvironment Role = "environment"
)

// roles is the fixed iteration order, so flattening is deterministic.
var roles = []Role{RoleStyle, RoleProps, RoleSubject, RolePose, RoleEnvironment}

// Entry is one reference image within a role.
type Entry struct {
	Path   string  `json:"path" yaml:"path"`
	Label  string  `json:"label,omitempty" yaml:"label,omitempty"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Pack is a versioned bag of reference-image roles. It is read-only input to
// the preflight pass.
type Pack struct {
	Version     int     `json:"version,omitempty" yaml:"version,omitempty"`
	Style       []Entry `json:"style,omitempty" yaml:"style,omitempty"`
	Props       []Entry `json:"props,omitempty" yaml:"props,omitempty"`
	Subject     []Entry `json:"subject,omitempty" yaml:"subject,omitempty"`
	Pose        []Entry `json:"pose,omitempty" yaml:"pose,omitempty"`
	Environment []Entry `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Entries returns the entries for a role.
func (p *Pack) Entries(r Role) []Entry {
	switch r {
	case RoleStyle:
		return p.Style
	case RoleProps:
		return p.Props
	case RoleSubject:
		return p.Subject
	case RolePose:
		return p.Pose
	case RoleEnvironment:
		return p.Environment
	default:
		return nil
	}
}

// Flatten returns every reference path across all roles, in role order.
// Duplicate paths are preserved here; deduplication happens by content hash
// in the registry.
func (p *Pack) Flatten() []string {
	var paths []string
	for _, r := range roles {
		for _, e := range p.Entries(r) {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

// StylePaths returns the style-role paths, used by the style guard.
func (p *Pack) StylePaths() []string {
	paths := make([]string, 0, len(p.Style))
	for _, e := range p.Style {
		paths = append(paths, e.Path)
	}
	return paths
}

// rasterExtensions are the file types picked up from a legacy flat directory.
var rasterExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Load reads a reference pack from path.
//
// Three layouts are accepted:
//   - a YAML manifest (.yaml/.yml)
//   - a JSON manifest (.json)
//   - a legacy flat directory, in which case every raster image directly in
//     the directory becomes a style entry
//
// Relative entry paths in a manifest are resolved against the manifest's
// directory.
func Load(path string) (*Pack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("refpack: %w", err)
	}

	if info.IsDir() {
		return loadFlatDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refpack: read manifest: %w", err)
	}

	var pack Pack
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("refpack: parse yaml manifest: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("refpack: parse json manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("refpack: unsupported manifest format %q", filepath.Ext(path))
	}

	resolveRelative(&pack, filepath.Dir(path))
	return &pack, nil
}

// loadFlatDir treats every raster image in dir as a style reference.
func loadFlatDir(dir string) (*Pack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("refpack: read dir: %w", err)
	}
	pack := &Pack{Version: 1}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !rasterExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		pack.Style = append(pack.Style, Entry{Path: filepath.Join(dir, e.Name())})
	}
	if len(pack.Style) == 0 {
		return nil, fmt.Errorf("refpack: no reference images in %s", dir)
	}
	return pack, nil
}

func resolveRelative(p *Pack, base string) {
	fix := func(entries []Entry) {
		for i := range entries {
			if entries[i].Path != "" && !filepath.IsAbs(entries[i].Path) {
				entries[i].Path = filepath.Join(base, entries[i].Path)
			}
		}
	}
	fix(p.Style)
	fix(p.Props)
	fix(p.Subject)
	fix(p.Pose)
	fix(p.Environment)
}
