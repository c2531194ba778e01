package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
)

// TemplateVersion is immutable once published. Files are named <id>.tmpl and
// carry YAML front matter between "---" markers, followed by the user prompt
// body (Go text/template).
type TemplateVersion struct {
	ID       string
	System   string
	Required []string

	body *template.Template
}

type frontMatter struct {
	ID       string   `yaml:"id"`
	System   string   `yaml:"system"`
	Required []string `yaml:"required"`
}

type registrySnapshot struct {
	versions map[string]*TemplateVersion
	def      string
}

// Registry holds published template versions. Reloads publish a fresh
// immutable snapshot; concurrent readers never see a half-loaded set.
type Registry struct {
	dir       string
	preferred string
	snap      atomic.Value // *registrySnapshot
}

func NewRegistry(dir string) (*Registry, error) {
	return NewRegistryWithDefault(dir, "")
}

// NewRegistryWithDefault pins the default version instead of falling back to
// the lexically-first one.
func NewRegistryWithDefault(dir, preferred string) (*Registry, error) {
	r := &Registry{dir: dir, preferred: strings.TrimSpace(preferred)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("template dir %s: %w", r.dir, err)
	}
	versions := make(map[string]*TemplateVersion)
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		tv, err := parseTemplateFile(path)
		if err != nil {
			return fmt.Errorf("template %s: %w", e.Name(), err)
		}
		if _, dup := versions[tv.ID]; dup {
			return fmt.Errorf("duplicate template id %q", tv.ID)
		}
		versions[tv.ID] = tv
		ids = append(ids, tv.ID)
	}
	if len(versions) == 0 {
		return fmt.Errorf("no templates found in %s", r.dir)
	}
	sort.Strings(ids)
	def := ids[0]
	if r.preferred != "" {
		if _, ok := versions[r.preferred]; ok {
			def = r.preferred
		} else {
			logger.Warnf("router: default template %q not found, using %q", r.preferred, def)
		}
	}
	r.snap.Store(&registrySnapshot{versions: versions, def: def})
	logger.Infof("router: loaded %d template versions from %s", len(versions), r.dir)
	return nil
}

func (r *Registry) Get(id string) (*TemplateVersion, bool) {
	snap := r.snap.Load().(*registrySnapshot)
	tv, ok := snap.versions[id]
	return tv, ok
}

// Default returns the configured default version (lexically-first when none
// is pinned), used when no experiment binds the instrument to a specific one.
func (r *Registry) Default() *TemplateVersion {
	snap := r.snap.Load().(*registrySnapshot)
	return snap.versions[snap.def]
}

func (r *Registry) IDs() []string {
	snap := r.snap.Load().(*registrySnapshot)
	out := make([]string, 0, len(snap.versions))
	for id := range snap.versions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func parseTemplateFile(path string) (*TemplateVersion, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fm, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, err
	}
	var meta frontMatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}
	id := strings.TrimSpace(meta.ID)
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), ".tmpl")
	}
	tmpl, err := template.New(id).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	return &TemplateVersion{
		ID:       id,
		System:   strings.TrimSpace(meta.System),
		Required: meta.Required,
		body:     tmpl,
	}, nil
}

func splitFrontMatter(raw string) (front string, body string, err error) {
	trimmed := strings.TrimLeft(raw, "\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", raw, nil
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", "", fmt.Errorf("unterminated front matter")
	}
	front = rest[:idx]
	body = rest[idx+4:]
	if nl := strings.Index(body, "\n"); nl != -1 {
		body = body[nl+1:]
	}
	return front, body, nil
}
