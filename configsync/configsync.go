// Package configsync mirrors selected configuration sections to a
// secondary router after each commit.
package configsync

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/models"
)

const Path = "/configure-section"

// Source answers which sections changed and what they now contain.
type Source interface {
	Revised(ctx context.Context, section []string) (bool, error)
	Section(section []string) map[string]any
}

type Pusher struct {
	ConfigPath string
	// Transport replaces the default TLS transport, mainly for tests.
	Transport http.RoundTripper
	Metrics   *Metrics
}

func New() *Pusher {
	return &Pusher{ConfigPath: constant.ConfigSyncFile}
}

func (p *Pusher) client(timeout time.Duration) *http.Client {
	rt := p.Transport
	if rt == nil {
		rt = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			// the peer API key is the authenticator
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
	return &http.Client{Transport: rt, Timeout: timeout}
}

// nest places v at path inside root, creating intermediate maps.
func nest(root map[string]any, path []string, v any) {
	cur := root
	for _, name := range path[:len(path)-1] {
		next, ok := cur[name].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[name] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// Request builds the body for the changed sections. It returns nil when no
// watched section changed.
func Request(ctx context.Context, cfg models.ConfigSyncConfig, src Source) (*models.ConfigureSectionRequest, error) {
	req := &models.ConfigureSectionRequest{
		Op:     cfg.Mode,
		Mask:   map[string]any{},
		Config: map[string]any{},
		Key:    cfg.Secondary.Key,
	}
	revised := false
	for _, section := range cfg.Section {
		path := strings.Fields(section)
		if len(path) == 0 {
			continue
		}
		changed, err := src.Revised(ctx, path)
		if err != nil {
			return nil, err
		}
		revised = revised || changed
		nest(req.Mask, path, map[string]any{})
		nest(req.Config, path, src.Section(path))
	}
	if !revised {
		return nil, nil
	}
	return req, nil
}

// Push sends the changed sections to the secondary. A missing config file
// means config-sync is not configured.
func (p *Pusher) Push(ctx context.Context, src Source) error {
	var cfg models.ConfigSyncConfig
	if err := models.ReadJSON(p.ConfigPath, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	req, err := Request(ctx, cfg, src)
	if err != nil || req == nil {
		return err
	}
	l := log.With().Str("mode", cfg.Mode).Str("secondary", cfg.Secondary.Address).Logger()
	l.Info().Msg("config synchronization")

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := "https://" + net.JoinHostPort(cfg.Secondary.Address, strconv.Itoa(cfg.Secondary.Port)) + Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Secondary.Key)

	resp, err := p.client(time.Duration(cfg.Secondary.Timeout) * time.Second).Do(httpReq)
	if err != nil {
		p.Metrics.pushed("error")
		return fmt.Errorf("failed to reach secondary: %w", err)
	}
	defer resp.Body.Close()
	var out models.ConfigureSectionResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &out); err != nil || resp.StatusCode != http.StatusOK || !out.Success {
		p.Metrics.pushed("rejected")
		if out.Error == "" {
			out.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("secondary rejected the configuration (%s): %s", resp.Status, out.Error)
	}
	p.Metrics.pushed("ok")
	l.Debug().Any("data", out.Data).Msg("secondary accepted the configuration")
	return nil
}

// SessionSource reads sections from a finished commit.
type SessionSource struct {
	Session *configtree.Session
}

func (s SessionSource) Revised(_ context.Context, section []string) (bool, error) {
	return s.Session.IsNodeChanged(section...), nil
}

func (s SessionSource) Section(section []string) map[string]any {
	return s.Session.GetConfigDict(section, configtree.DictOptions{GetFirstKey: true})
}

// ArchiveSource answers from the revision archive, for pushes run outside
// the commit.
type ArchiveSource struct {
	Archive *commit.Archive
	Session *configtree.Session
}

func (s ArchiveSource) Revised(ctx context.Context, section []string) (bool, error) {
	return s.Archive.Revised(ctx, strings.Join(section, " "))
}

func (s ArchiveSource) Section(section []string) map[string]any {
	return s.Session.GetConfigDict(section, configtree.DictOptions{GetFirstKey: true})
}

// PostCommit is a commit.PostCommitFunc. Failures are left for the next
// commit to retry.
func (p *Pusher) PostCommit(ctx context.Context, sess *configtree.Session, _ commit.Result) error {
	return p.Push(ctx, SessionSource{Session: sess})
}
