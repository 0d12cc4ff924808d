package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/constant"
	"vycore/internal/failure"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

type Migrator struct {
	Proc    *process.Adapter
	Render  *render.Renderer
	Dir     string
	LogPath string
	Release string
	System  map[string]int
	Retired []string
	// Force runs every script from version 0.
	Force bool
}

func New(proc *process.Adapter, r *render.Renderer, s *schema.Schema) *Migrator {
	return &Migrator{
		Proc:    proc,
		Render:  r,
		Dir:     constant.MigrateDir,
		LogPath: constant.MigrateLogFile,
		Release: constant.Version,
		System:  s.Versions(),
		Retired: s.Retired(),
	}
}

// Result describes one migration run.
type Result struct {
	Applied []string
	Before  Footer
	After   Footer
	Changed bool
}

// order returns the components to migrate. bgp runs right after quagga
// since its scripts expect the quagga layout to be current.
func order(versions map[string]int) []string {
	keys := slices.Sorted(maps.Keys(versions))
	if !slices.Contains(keys, "quagga") || !slices.Contains(keys, "bgp") {
		return keys
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == "bgp" })
	i := slices.Index(keys, "quagga")
	return slices.Insert(keys, i+1, "bgp")
}

// Plan lists the scripts a file at the given versions needs, in order,
// and the versions it ends up at. Missing scripts are skipped.
func (m *Migrator) Plan(saved map[string]int) ([]string, map[string]int) {
	var scripts []string
	out := map[string]int{}
	for _, name := range order(m.System) {
		from, to := saved[name], m.System[name]
		if m.Force {
			from = 0
		}
		for v := from; v < to; v++ {
			script := filepath.Join(m.Dir, name, strconv.Itoa(v)+"-to-"+strconv.Itoa(v+1))
			if _, err := os.Stat(script); err == nil {
				scripts = append(scripts, script)
			}
		}
		out[name] = max(from, to)
	}
	for name, v := range saved {
		if _, ok := out[name]; ok {
			continue
		}
		if slices.Contains(m.Retired, name) {
			log.Info().Str("component", name).Msg("dropping retired component from footer")
			continue
		}
		// written by a newer release; keep it for a later upgrade
		out[name] = v
	}
	return scripts, out
}

// Run migrates the file at path in place.
func (m *Migrator) Run(ctx context.Context, path string) (Result, error) {
	var res Result
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return res, err
	}
	opts := render.Options{Mode: st.Mode().Perm()}

	res.Before, err = ParseFooter(string(data))
	if err != nil {
		return res, failure.Config(nil, "%v", err)
	}
	scripts, after := m.Plan(res.Before.Versions)
	res.After = Footer{Versions: after, Release: m.Release, Vintage: Current}
	res.Changed = res.Before.Vintage != Current || !maps.Equal(after, res.Before.Versions)
	if !res.Changed && len(scripts) == 0 {
		return res, nil
	}

	body := StripFooter(string(data))
	if err := m.Render.WriteFile(path, []byte(body), opts); err != nil {
		return res, err
	}
	if len(scripts) > 0 {
		if err := m.appendLog("List of applied migration modules:"); err != nil {
			log.Warn().Err(err).Msg("failed to write migration log")
		}
	}
	for _, script := range scripts {
		if err := m.appendLog("applying " + script); err != nil {
			log.Warn().Err(err).Msg("failed to write migration log")
		}
		log.Info().Str("script", script).Msg("applying migration")
		if _, err := m.Proc.Cmd(ctx, script+" "+path, nil); err != nil {
			reached := m.reached(res.Before.Versions, after, res.Applied, script)
			footer := Footer{Versions: reached, Release: m.Release, Vintage: Current}
			if werr := m.writeFooter(path, footer, opts); werr != nil {
				log.Error().Err(werr).Msg("failed to restore configuration version footer")
			}
			return res, failure.Internal(err, "migration script %s failed", script)
		}
		res.Applied = append(res.Applied, script)
	}
	return res, m.writeFooter(path, res.After, opts)
}

func scriptStep(script string) (string, int) {
	_, to, _ := strings.Cut(filepath.Base(script), "-to-")
	n, _ := strconv.Atoi(to)
	return filepath.Base(filepath.Dir(script)), n
}

// reached returns the versions a file is at when failed stops the run:
// components ordered before it are complete, its own count stops at the
// last script that succeeded, and later ones keep their saved versions.
func (m *Migrator) reached(saved, after map[string]int, applied []string, failed string) map[string]int {
	out := maps.Clone(saved)
	if m.Force {
		for name := range m.System {
			delete(out, name)
		}
	}
	for name, v := range after {
		if _, ok := m.System[name]; !ok {
			out[name] = v
		}
	}
	for name := range out {
		if slices.Contains(m.Retired, name) {
			delete(out, name)
		}
	}
	stop, _ := scriptStep(failed)
	for _, name := range order(m.System) {
		if name == stop {
			break
		}
		out[name] = after[name]
	}
	for _, script := range applied {
		if name, v := scriptStep(script); name == stop {
			out[name] = v
		}
	}
	return out
}

func (m *Migrator) writeFooter(path string, footer Footer, opts render.Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := StripFooter(string(data))
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text += "\n"
	}
	return m.Render.WriteFile(path, []byte(text+footer.String()), opts)
}

func (m *Migrator) appendLog(line string) error {
	if err := os.MkdirAll(filepath.Dir(m.LogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, line)
	return errors.Join(err, f.Close())
}

// SystemJSON renders the version map this system migrates to.
func (m *Migrator) SystemJSON() ([]byte, error) {
	return json.MarshalIndent(m.System, "", "    ")
}

// Footer returns the footer a freshly saved configuration gets.
func (m *Migrator) Footer() Footer {
	return Footer{Versions: maps.Clone(m.System), Release: m.Release, Vintage: Current}
}
