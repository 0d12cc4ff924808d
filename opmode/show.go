package opmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"vycore/commit"
	"vycore/configtree"
	"vycore/internal/failure"
	"vycore/models"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

func readJSON(path string, v any, unconfigured string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return failure.UnconfiguredSubsystem("%s", unconfigured)
	}
	if err != nil {
		return failure.Internal(err, "failed to read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return failure.DataUnavailable("%s is being rewritten, try again", path)
	}
	return nil
}

func ago(unix int64, now time.Time) string {
	if unix == 0 {
		return "never"
	}
	return now.Sub(time.Unix(unix, 0)).Truncate(time.Second).String() + " ago"
}

func (o *Ops) now() time.Time {
	if o.Now != nil {
		return time.Unix(o.Now(), 0)
	}
	return time.Now()
}

// WLBStatus returns the state published by the WAN load balancer.
func (o *Ops) WLBStatus() (models.WLBStatus, error) {
	var st models.WLBStatus
	err := readJSON(o.WLBStatusPath, &st, "WAN load-balancing is not configured")
	return st, err
}

func (o *Ops) ShowWLBStatus(w io.Writer) error {
	st, err := o.WLBStatus()
	if err != nil {
		return err
	}
	now := o.now()
	table := newTable(w, "Interface", "State", "Address", "Mark", "Table", "Last success", "Last failure")
	for _, name := range configtree.SortedKeys(st.Interfaces) {
		s := st.Interfaces[name]
		table.Append([]string{name, s.State, s.Address, s.Mark, itoa(s.Table), ago(s.LastSuccess, now), ago(s.LastFailure, now)})
	}
	table.Render()
	return nil
}

// ShowVRRP lists the VRRP groups with their transition scripts.
func (o *Ops) ShowVRRP(ctx context.Context, w io.Writer) error {
	var cfg models.VRRPConfig
	if err := readJSON(o.VRRPDictPath, &cfg, "VRRP is not configured"); err != nil {
		return err
	}
	if !o.Proc.IsServiceRunning(ctx, "keepalived.service") {
		return failure.DataUnavailable("VRRP is not running")
	}
	table := newTable(w, "Name", "Kind", "Master script", "Backup script", "Fault script", "Stop script")
	add := func(kind string, groups []models.VRRPScripts) {
		for _, g := range groups {
			table.Append([]string{g.Name, kind, dash(g.MasterScript), dash(g.BackupScript), dash(g.FaultScript), dash(g.StopScript)})
		}
	}
	add("group", cfg.VRRPGroups)
	add("sync-group", cfg.SyncGroups)
	table.Render()
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ShowWireguard prints the live peers of one wireguard interface.
func (o *Ops) ShowWireguard(w io.Writer, name string) error {
	if o.WireGuard == nil {
		return failure.UnsupportedOperation("WireGuard is not available on this system")
	}
	dev, err := o.WireGuard.Device(name)
	if errors.Is(err, fs.ErrNotExist) {
		return failure.UnconfiguredObject("WireGuard interface %s does not exist", name)
	}
	if err != nil {
		return failure.Internal(err, "failed to read %s", name)
	}
	fmt.Fprintf(w, "interface: %s\n  public key: %s\n  listening port: %d\n\n", dev.Name, dev.PublicKey, dev.ListenPort)
	now := o.now()
	table := newTable(w, "Peer", "Endpoint", "Allowed IPs", "Latest handshake", "Received", "Sent")
	for _, p := range dev.Peers {
		endpoint := "-"
		if p.Endpoint != nil {
			endpoint = p.Endpoint.String()
		}
		allowed := []string{}
		for _, n := range p.AllowedIPs {
			allowed = append(allowed, n.String())
		}
		handshake := "never"
		if !p.LastHandshakeTime.IsZero() {
			handshake = ago(p.LastHandshakeTime.Unix(), now)
		}
		table.Append([]string{
			p.PublicKey.String(), endpoint, strings.Join(allowed, ", "), handshake,
			strconv.FormatInt(p.ReceiveBytes, 10), strconv.FormatInt(p.TransmitBytes, 10),
		})
	}
	table.Render()
	return nil
}

// ShowCommits lists archived revisions, newest first, numbered the way
// "rollback" counts them.
func ShowCommits(w io.Writer, revs []commit.Revision) error {
	if len(revs) == 0 {
		return failure.DataUnavailable("no commit revisions recorded")
	}
	table := newTable(w, "#", "Revision", "Time", "Sections", "Comment")
	for i, r := range revs {
		table.Append([]string{
			strconv.Itoa(i), r.ID, r.Time.UTC().Format(time.RFC3339),
			strings.Join(r.Paths, ", "), r.Comment,
		})
	}
	table.Render()
	return nil
}
