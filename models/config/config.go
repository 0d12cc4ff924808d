// Package config is the on-disk form of the vycored settings. Every field is
// a pointer so an absent key keeps the compiled default.
package config

type Config struct {
	ConfigVersion string `yaml:"configVersion"`
	App           *App   `yaml:"app"`
}

type App struct {
	LogLevel  *string    `yaml:"logLevel"`
	API       *API       `yaml:"api"`
	Commit    *Commit    `yaml:"commit"`
	Netfilter *Netfilter `yaml:"netfilter"`
}

type API struct {
	Socket    *string   `yaml:"socket"`
	Listen    *string   `yaml:"listen"`
	TLSCert   *string   `yaml:"tlsCert"`
	TLSKey    *string   `yaml:"tlsKey"`
	Keys      *[]string `yaml:"keys"`
	RateLimit *float64  `yaml:"rateLimit"`
	Burst     *int      `yaml:"burst"`
}

type Commit struct {
	RunningFile *string `yaml:"runningFile"`
	BootFile    *string `yaml:"bootFile"`
	ArchiveFile *string `yaml:"archiveFile"`
	ArchiveKeep *int    `yaml:"archiveKeep"`
}

type Netfilter struct {
	CleanLegacyChains *bool   `yaml:"cleanLegacyChains"`
	LegacyChainPrefix *string `yaml:"legacyChainPrefix"`
}
