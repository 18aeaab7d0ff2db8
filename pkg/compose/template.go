// Package compose turns a resume snapshot and a named template skeleton into
// a single HTML document ready for the rendering engine.
package compose

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultTemplate is used whenever the requested template is unavailable.
const DefaultTemplate = "default"

//go:embed skeletons/*.html
var builtinSkeletons embed.FS

var ErrTemplateNotFound = errors.New("template not found")

// Template is a markup skeleton with {{token}} placeholders.
type Template struct {
	Name     string
	Skeleton string
	// Fallback is set when Name was requested but the default skeleton was
	// returned instead.
	Fallback  bool
	Requested string
}

// Resolver looks templates up in an optional override directory first and in
// the built-in skeletons second.
type Resolver struct {
	dir string
	log *zap.SugaredLogger
}

func NewResolver(dir string, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{dir: dir, log: log.Named("templates")}
}

// Resolve never fails: a missing template is logged and replaced by the
// default skeleton.
func (r *Resolver) Resolve(name string) Template {
	tpl, err := r.Lookup(name)
	if err == nil {
		return tpl
	}
	r.log.Warnw("template unavailable, using default", "requested", name, "error", err)
	def, defErr := r.Lookup(DefaultTemplate)
	if defErr != nil {
		// the embedded default always exists; only an override dir can shadow it
		def = Template{Name: DefaultTemplate, Skeleton: mustBuiltin(DefaultTemplate)}
	}
	def.Fallback = true
	def.Requested = name
	return def
}

// Lookup returns ErrTemplateNotFound when name matches no skeleton.
func (r *Resolver) Lookup(name string) (Template, error) {
	norm, ok := normalizeName(name)
	if !ok {
		return Template{}, errors.Wrapf(ErrTemplateNotFound, "invalid template name %q", name)
	}

	if r.dir != "" {
		b, err := os.ReadFile(filepath.Join(r.dir, norm+".html"))
		switch {
		case err == nil:
			return Template{Name: norm, Skeleton: string(b), Requested: name}, nil
		case !errors.Is(err, fs.ErrNotExist):
			r.log.Warnw("reading template override failed", "name", norm, "error", err)
		}
	}

	b, err := builtinSkeletons.ReadFile("skeletons/" + norm + ".html")
	if err != nil {
		return Template{}, errors.Wrapf(ErrTemplateNotFound, "template %q", norm)
	}
	return Template{Name: norm, Skeleton: string(b), Requested: name}, nil
}

// Names lists every resolvable template, overrides included.
func (r *Resolver) Names() []string {
	seen := map[string]struct{}{}
	collect := func(entries []fs.DirEntry) {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".html") {
				continue
			}
			seen[strings.TrimSuffix(e.Name(), ".html")] = struct{}{}
		}
	}
	if entries, err := builtinSkeletons.ReadDir("skeletons"); err == nil {
		collect(entries)
	}
	if r.dir != "" {
		if entries, err := os.ReadDir(r.dir); err == nil {
			collect(entries)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// normalizeName lower-cases and trims; anything that could escape the
// template directory is rejected.
func normalizeName(name string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return DefaultTemplate, true
	}
	if strings.ContainsAny(n, `/\.`) {
		return "", false
	}
	return n, true
}

func mustBuiltin(name string) string {
	b, err := builtinSkeletons.ReadFile("skeletons/" + name + ".html")
	if err != nil {
		panic(err)
	}
	return string(b)
}
