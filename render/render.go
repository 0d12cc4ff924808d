package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/rs/zerolog/log"
)

//go:embed templates
var templates embed.FS

var (
	ErrWorldReadable   = errors.New("refusing to write secret with permissive mode")
	ErrUnknownTemplate = errors.New("unknown template")
)

// Options describe how an artefact lands on disk.
type Options struct {
	Owner  string
	Group  string
	Mode   os.FileMode
	Secret bool
}

var (
	Public = Options{Mode: 0o644}
	Secret = Options{Mode: 0o600, Secret: true}
)

// Renderer turns intents into files. Every path written between Begin and
// Commit is journaled so a failed generate stage can take it back.
type Renderer struct {
	tmpl    *template.Template
	ramdisk string

	mu        sync.Mutex
	recording bool
	journal   []string
}

// New parses the embedded templates. ramdisk is where WithTempFile
// places transient key material.
func New(ramdisk string) (*Renderer, error) {
	return NewFS(templates, ramdisk)
}

func NewFS(fsys fs.FS, ramdisk string) (*Renderer, error) {
	root := template.New("").Funcs(funcMap()).Option("missingkey=zero")
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".tmpl") {
			return err
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(p, "templates/")
		if _, err := root.New(name).Parse(string(data)); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: root, ramdisk: ramdisk}, nil
}

func funcMap() template.FuncMap {
	fm := template.FuncMap(sprig.GenericFuncMap())
	fm["octal"] = func(m os.FileMode) string { return fmt.Sprintf("%04o", uint32(m)) }
	return fm
}

// Render executes a template into a string. Templates only see data.
func (r *Renderer) Render(name string, data any) (string, error) {
	t := r.tmpl.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderTo renders a template and writes the result to path.
func (r *Renderer) RenderTo(path, name string, data any, opts Options) error {
	out, err := r.Render(name, data)
	if err != nil {
		return err
	}
	return r.WriteFile(path, []byte(out), opts)
}

// Update is RenderTo that leaves an identical file alone. It reports
// whether the file changed so callers can skip reloading a backend.
func (r *Renderer) Update(path, name string, data any, opts Options) (bool, error) {
	out, err := r.Render(name, data)
	if err != nil {
		return false, err
	}
	return r.UpdateFile(path, []byte(out), opts)
}

// UpdateFile writes data unless path already holds exactly that.
func (r *Renderer) UpdateFile(path string, data []byte, opts Options) (bool, error) {
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	return true, r.WriteFile(path, data, opts)
}

// WriteFile writes data next to path and renames it into place so that a
// watcher never sees a half written file.
func (r *Renderer) WriteFile(path string, data []byte, opts Options) error {
	if opts.Mode == 0 {
		opts.Mode = 0o644
	}
	if opts.Secret && opts.Mode&0o077 != 0 {
		return fmt.Errorf("%w: %s mode %04o", ErrWorldReadable, path, uint32(opts.Mode))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	r.record(path)

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(opts.Mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := chown(tmpName, opts.Owner, opts.Group); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	log.Debug().Str("path", path).Str("mode", fmt.Sprintf("%04o", uint32(opts.Mode))).Msg("artefact written")
	return nil
}

func chown(path, owner, group string) error {
	if owner == "" && group == "" {
		return nil
	}
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("failed to look up user %s: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("failed to look up group %s: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return os.Chown(path, uid, gid)
}

// Remove deletes an artefact; a missing file is not an error.
func (r *Renderer) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Renderer) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		r.journal = append(r.journal, path)
	}
}

// Begin starts journaling written paths.
func (r *Renderer) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.journal = nil
}

// Commit forgets the journal.
func (r *Renderer) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.journal = nil
}

// Rollback removes every path written since Begin.
func (r *Renderer) Rollback() error {
	r.mu.Lock()
	paths := r.journal
	r.recording = false
	r.journal = nil
	r.mu.Unlock()
	if len(paths) > 0 {
		log.Warn().Strs("paths", paths).Msg("removing artefacts of failed generate")
	}
	return r.Remove(paths...)
}

// Journal returns the paths written since Begin.
func (r *Renderer) Journal() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.journal...)
}

// WithTempFile places content in a 0600 file in the ramdisk directory for
// the duration of fn. The file is removed whether fn fails or not.
func (r *Renderer) WithTempFile(content string, fn func(path string) error) error {
	if err := os.MkdirAll(r.ramdisk, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.CreateTemp(r.ramdisk, "key-*")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fn(name)
}
