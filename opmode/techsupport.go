package opmode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vycore/configtree"
	"vycore/constant"
	"vycore/ifconfig"
)

// Report is the tech-support bundle. Sections that could not be collected
// hold the error text.
type Report struct {
	Version    map[string]string   `json:"version"`
	Uptime     string              `json:"uptime"`
	Load       []float64           `json:"load_average"`
	Memory     map[string]uint64   `json:"memory"`
	Processes  string              `json:"processes"`
	Devices    map[string]string   `json:"devices"`
	Interfaces []ifconfig.LinkInfo `json:"interfaces"`
	Config     string              `json:"running_config"`
	Scripts    map[string]string   `json:"config_scripts"`
	Errors     map[string]string   `json:"errors,omitempty"`
}

func (r *Report) fail(section string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[section] = err.Error()
}

// TechSupport collects the report. Missing sections do not fail the call.
func (o *Ops) TechSupport(ctx context.Context) *Report {
	r := &Report{
		Version: map[string]string{"version": constant.Version, "commit": constant.Commit},
		Devices: map[string]string{},
		Scripts: map[string]string{},
	}
	if fs, err := o.procfs(); err != nil {
		r.fail("proc", err)
	} else {
		if st, err := fs.Stat(); err == nil {
			r.Uptime = o.now().Sub(time.Unix(int64(st.BootTime), 0)).Truncate(time.Second).String()
		} else {
			r.fail("uptime", err)
		}
		if la, err := fs.LoadAvg(); err == nil {
			r.Load = []float64{la.Load1, la.Load5, la.Load15}
		} else {
			r.fail("load_average", err)
		}
		if mi, err := fs.Meminfo(); err == nil {
			r.Memory = map[string]uint64{}
			for k, v := range map[string]*uint64{
				"total_kb":     mi.MemTotal,
				"free_kb":      mi.MemFree,
				"available_kb": mi.MemAvailable,
				"buffers_kb":   mi.Buffers,
				"cached_kb":    mi.Cached,
			} {
				if v != nil {
					r.Memory[k] = *v
				}
			}
		} else {
			r.fail("memory", err)
		}
	}
	if out, err := o.Proc.Cmd(ctx, "ps aux", nil); err == nil {
		r.Processes = out
	} else {
		r.fail("processes", err)
	}
	for name, line := range map[string]string{"pci": "lspci", "usb": "lsusb"} {
		if out, err := o.Proc.Cmd(ctx, line, nil); err == nil {
			r.Devices[name] = out
		} else {
			r.fail("devices "+name, err)
		}
	}
	if links, err := o.Links.Links(); err == nil {
		r.Interfaces = links
	} else {
		r.fail("interfaces", err)
	}
	if tree, err := o.running(); err == nil {
		r.Config = stripSecrets(tree.String())
	} else {
		r.fail("running_config", err)
	}
	scripts, _ := filepath.Glob(filepath.Join(constant.UserScriptsDir, "*"))
	for _, p := range scripts {
		if data, err := os.ReadFile(p); err == nil {
			r.Scripts[filepath.Base(p)] = string(data)
		}
	}
	return r
}

var secretLeaves = []string{"key", "password", "encrypted-password", "plaintext-password", "private-key", "preshared-key", "secret", "token", "certificate"}

// stripSecrets masks the values of leaves that hold credentials.
func stripSecrets(config string) string {
	lines := strings.Split(config, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		name, _, ok := strings.Cut(trimmed, " ")
		if !ok || strings.HasSuffix(trimmed, "{") {
			continue
		}
		for _, leaf := range secretLeaves {
			if name == leaf {
				lines[i] = line[:len(line)-len(trimmed)] + leaf + " xxxxxx"
			}
		}
	}
	return strings.Join(lines, "\n")
}

// WriteTechSupport prints the report, as JSON when raw is set.
func (o *Ops) WriteTechSupport(ctx context.Context, w io.Writer, raw bool) error {
	r := o.TechSupport(ctx)
	if raw {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	section := func(title, body string) {
		fmt.Fprintf(w, "---------- %s ----------\n%s\n\n", title, strings.TrimRight(body, "\n"))
	}
	section("Version", fmt.Sprintf("Version: %s\nCommit: %s", r.Version["version"], r.Version["commit"]))
	section("Uptime", r.Uptime)
	section("Load average", fmt.Sprint(r.Load))
	mem := make([]string, 0, len(r.Memory))
	for _, k := range configtree.SortedKeys(r.Memory) {
		mem = append(mem, fmt.Sprintf("%s: %d", k, r.Memory[k]))
	}
	section("Memory", strings.Join(mem, "\n"))
	section("Processes", r.Processes)
	section("PCI devices", r.Devices["pci"])
	section("USB devices", r.Devices["usb"])
	var ifs strings.Builder
	_ = o.showLinks(&ifs, r.Interfaces)
	section("Interfaces", ifs.String())
	section("Running configuration", r.Config)
	for _, name := range configtree.SortedKeys(r.Scripts) {
		section("Script "+name, r.Scripts[name])
	}
	for _, name := range configtree.SortedKeys(r.Errors) {
		fmt.Fprintf(w, "WARNING: %s: %s\n", name, r.Errors[name])
	}
	return nil
}
