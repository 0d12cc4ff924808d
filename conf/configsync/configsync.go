// Package configsync publishes "service config-sync" for the pusher that
// runs after each commit.
package configsync

import (
	"encoding/json"
	"os"
	"slices"
	"strings"

	"vycore/commit"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/render"
)

const Owner = "service_config_sync"

var confFile = constant.ConfigSyncFile

type Config struct {
	Mode      string   `mapstructure:"mode"`
	Section   []string `mapstructure:"section"`
	Secondary struct {
		Address string `mapstructure:"address"`
		Port    int    `mapstructure:"port"`
		Key     string `mapstructure:"key"`
		Timeout int    `mapstructure:"timeout"`
	} `mapstructure:"secondary"`
}

type ConfigSync struct {
	Deleted bool
	Config  Config
	// Unknown lists sections that name no configuration node.
	Unknown []string
}

func getConfigSync(env *commit.Env) (*ConfigSync, error) {
	c := &ConfigSync{}
	exists, err := env.Config.DecodeWithDefaults([]string{"service", "config-sync"}, &c.Config, "secondary")
	if err != nil {
		return nil, err
	}
	c.Deleted = !exists
	for _, s := range c.Config.Section {
		if _, ok := env.Config.Schema.Lookup(strings.Fields(s)...); !ok {
			c.Unknown = append(c.Unknown, s)
		}
	}
	return c, nil
}

func (c *ConfigSync) model() *models.ConfigSyncConfig {
	s := c.Config.Secondary
	return &models.ConfigSyncConfig{
		Mode:    c.Config.Mode,
		Section: c.Config.Section,
		Secondary: models.ConfigSyncSecondary{
			Address: s.Address,
			Port:    s.Port,
			Key:     s.Key,
			Timeout: s.Timeout,
		},
	}
}

func verifyConfigSync(c *ConfigSync) error {
	if c.Deleted {
		return nil
	}
	base := []string{"service", "config-sync"}
	s := c.Config.Secondary
	switch {
	case s.Address == "":
		return failure.Config(append(base, "secondary"), "Secondary address is required")
	case s.Key == "":
		return failure.Config(append(base, "secondary"), "Secondary key is required")
	case len(c.Config.Section) == 0:
		return failure.Config(base, "At least one section to synchronize is required")
	case len(c.Unknown) > 0:
		return failure.Config(append(base, "section"), "Unknown configuration section %q", c.Unknown[0])
	case slices.Contains(c.Config.Section, "service config-sync"):
		return failure.Config(append(base, "section"), "config-sync cannot synchronize itself")
	}
	if err := models.Validate(c.model()); err != nil {
		return failure.Config(base, "%v", err)
	}
	return nil
}

func generateConfigSync(env *commit.Env, c *ConfigSync) error {
	if c.Deleted {
		if err := os.Remove(confFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(c.model(), "", "    ")
	if err != nil {
		return err
	}
	// the secondary's API key is inside
	_, err = env.Render.UpdateFile(confFile, data, render.Secret)
	return err
}

func Handler() commit.Handler {
	return commit.Funcs[*ConfigSync]{Get: getConfigSync, Check: verifyConfigSync, Gen: generateConfigSync}
}
