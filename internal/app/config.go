package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"vycore/configtree"
	"vycore/models"
	"vycore/models/config"
)

const configVersion = "0.1.0"

func (a *App) LoadConfig() error {
	cfgFile, err := os.ReadFile(a.settingsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	cfg := config.Config{}
	if err := yaml.Unmarshal(cfgFile, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal settings file: %w", err)
	}
	if err := a.ImportConfig(cfg); err != nil {
		return fmt.Errorf("failed to import settings file: %w", err)
	}
	return nil
}

func (a *App) SaveConfig() error {
	out, err := yaml.Marshal(a.ExportConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal settings file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.settingsPath), 0o755); err != nil {
		return fmt.Errorf("failed to create settings folder: %w", err)
	}
	if err := os.WriteFile(a.settingsPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// ImportConfig overlays cfg onto the current settings.
func (a *App) ImportConfig(cfg config.Config) error {
	if !strings.HasPrefix(cfg.ConfigVersion, "0.1.") {
		return ErrConfigUnsupportedVersion
	}
	if cfg.App == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.settings

	if cfg.App.LogLevel != nil {
		s.LogLevel = *cfg.App.LogLevel
	}
	if api := cfg.App.API; api != nil {
		if api.Socket != nil {
			s.API.Socket = *api.Socket
		}
		if api.Listen != nil {
			s.API.Listen = *api.Listen
		}
		if api.TLSCert != nil {
			s.API.TLSCert = *api.TLSCert
		}
		if api.TLSKey != nil {
			s.API.TLSKey = *api.TLSKey
		}
		if api.Keys != nil {
			s.API.Keys = *api.Keys
		}
		if api.RateLimit != nil {
			s.API.RateLimit = *api.RateLimit
		}
		if api.Burst != nil {
			s.API.Burst = *api.Burst
		}
	}
	if c := cfg.App.Commit; c != nil {
		if c.RunningFile != nil {
			s.Commit.RunningFile = *c.RunningFile
		}
		if c.BootFile != nil {
			s.Commit.BootFile = *c.BootFile
		}
		if c.ArchiveFile != nil {
			s.Commit.ArchiveFile = *c.ArchiveFile
		}
		if c.ArchiveKeep != nil {
			s.Commit.ArchiveKeep = *c.ArchiveKeep
		}
	}
	if nf := cfg.App.Netfilter; nf != nil {
		if nf.CleanLegacyChains != nil {
			s.Netfilter.CleanLegacyChains = *nf.CleanLegacyChains
		}
		if nf.LegacyChainPrefix != nil {
			s.Netfilter.LegacyChainPrefix = *nf.LegacyChainPrefix
		}
	}
	return nil
}

func (a *App) ExportConfig() config.Config {
	a.mu.RLock()
	s := a.settings
	a.mu.RUnlock()
	return config.Config{
		ConfigVersion: configVersion,
		App: &config.App{
			LogLevel: &s.LogLevel,
			API: &config.API{
				Socket:    &s.API.Socket,
				Listen:    &s.API.Listen,
				TLSCert:   &s.API.TLSCert,
				TLSKey:    &s.API.TLSKey,
				Keys:      &s.API.Keys,
				RateLimit: &s.API.RateLimit,
				Burst:     &s.API.Burst,
			},
			Commit: &config.Commit{
				RunningFile: &s.Commit.RunningFile,
				BootFile:    &s.Commit.BootFile,
				ArchiveFile: &s.Commit.ArchiveFile,
				ArchiveKeep: &s.Commit.ArchiveKeep,
			},
			Netfilter: &config.Netfilter{
				CleanLegacyChains: &s.Netfilter.CleanLegacyChains,
				LegacyChainPrefix: &s.Netfilter.LegacyChainPrefix,
			},
		},
	}
}

// LoadHTTPSState reads the state the "service https" handler publishes.
// Without it the receiver runs from the settings file alone.
func (a *App) LoadHTTPSState() {
	var state *models.HTTPSState
	data, err := os.ReadFile(a.httpsStatePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		log.Error().Err(err).Msg("failed to read https state")
	default:
		st := &models.HTTPSState{}
		if err := json.Unmarshal(data, st); err != nil {
			log.Error().Err(err).Msg("failed to parse https state")
		} else if err := models.Validate(st); err != nil {
			log.Error().Err(err).Msg("invalid https state")
		} else {
			state = st
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.https = state
	eff := overlayHTTPS(a.settings, state)
	a.limiter = rate.NewLimiter(rate.Limit(eff.API.RateLimit), eff.API.Burst)
}

// Reload re-reads the settings file and the https state.
func (a *App) Reload() error {
	err := a.LoadConfig()
	a.LoadHTTPSState()
	a.setupLogging()
	return err
}

func overlayHTTPS(s models.Settings, state *models.HTTPSState) models.Settings {
	if state == nil {
		return s
	}
	host := ""
	if len(state.ListenAddress) > 0 {
		host = state.ListenAddress[0]
	}
	s.API.Listen = net.JoinHostPort(host, strconv.Itoa(state.Port))
	if state.CertFile != "" {
		s.API.TLSCert = state.CertFile
		s.API.TLSKey = state.KeyFile
	}
	if len(state.Keys) > 0 {
		keys := make([]string, 0, len(state.Keys))
		for _, id := range configtree.SortedKeys(state.Keys) {
			keys = append(keys, state.Keys[id])
		}
		s.API.Keys = keys
	}
	return s
}
