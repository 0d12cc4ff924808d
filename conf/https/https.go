// Package https owns "service https": the TLS listener of vycored that
// serves the config-sync receiver.
package https

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/conf/pki"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/render"
)

const (
	Owner = "service_https"
	Unit  = "vycored.service"
)

var (
	stateFile = constant.HTTPSStateFile
	tlsDir    = constant.TLSDir
)

type Config struct {
	ListenAddress []string `mapstructure:"listen_address"`
	Port          int      `mapstructure:"port"`
	Certificates  struct {
		Certificate   string `mapstructure:"certificate"`
		CACertificate string `mapstructure:"ca_certificate"`
	} `mapstructure:"certificates"`
	API *struct {
		Keys struct {
			ID map[string]struct {
				Key string `mapstructure:"key"`
			} `mapstructure:"id"`
		} `mapstructure:"keys"`
	} `mapstructure:"api"`
}

type HTTPS struct {
	Deleted bool
	Config  Config
	PKI     *pki.Config
	changed bool
}

func getHTTPS(env *commit.Env) (*HTTPS, error) {
	h := &HTTPS{}
	exists, err := env.Config.DecodeAt([]string{"service", "https"}, false, &h.Config)
	if err != nil {
		return nil, err
	}
	h.Deleted = !exists
	if exists {
		if h.PKI, err = pki.Decode(env.Config); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func verifyHTTPS(h *HTTPS) error {
	if h.Deleted {
		return nil
	}
	base := []string{"service", "https"}
	c := h.Config
	if c.Port < 1 || c.Port > 65535 {
		return failure.Config(append(base, "port"), "TCP port %d is out of range", c.Port)
	}
	if name := c.Certificates.Certificate; name != "" {
		cert, ok := h.PKI.Certificate[name]
		if !ok {
			return failure.Config(append(base, "certificates"), "Certificate %q not found in configuration!", name)
		}
		if cert.Certificate == "" {
			return failure.Config(append(base, "certificates"), "Invalid certificate on certificate %q", name)
		}
		if cert.Private.Key == "" {
			return failure.Config(append(base, "certificates"), "Missing private key on certificate %q", name)
		}
		if cert.Private.PasswordProtected {
			return failure.Config(append(base, "certificates"), "Cannot use password protected private key on certificate %q", name)
		}
	} else {
		log.Warn().Msg("No certificate specified, using a generated self-signed certificate. Do not use it in a production environment!")
	}
	if name := c.Certificates.CACertificate; name != "" {
		if _, ok := h.PKI.CA[name]; !ok {
			return failure.Config(append(base, "certificates"), "CA certificate %q not found in configuration!", name)
		}
	}
	if c.API != nil {
		if len(c.API.Keys.ID) == 0 {
			return failure.Config(append(base, "api"), "At least one HTTPS API key is required!")
		}
		for _, id := range configtree.SortedKeys(c.API.Keys.ID) {
			if c.API.Keys.ID[id].Key == "" {
				return failure.Config(append(base, "api", "keys", "id", id), "Missing HTTPS API key string for key id %q", id)
			}
		}
	}
	return nil
}

func (h *HTTPS) state() *models.HTTPSState {
	s := &models.HTTPSState{ListenAddress: h.Config.ListenAddress, Port: h.Config.Port}
	if h.Config.API != nil {
		s.Keys = map[string]string{}
		for id, k := range h.Config.API.Keys.ID {
			s.Keys[id] = k.Key
		}
	}
	return s
}

func generateHTTPS(env *commit.Env, h *HTTPS) error {
	if h.Deleted {
		if err := env.Render.Remove(stateFile); err != nil {
			return err
		}
		h.changed = true
		return os.RemoveAll(tlsDir)
	}
	state := h.state()
	if name := h.Config.Certificates.Certificate; name != "" {
		cert := h.PKI.Certificate[name]
		chain := pki.WrapCertificate(cert.Certificate)
		// the CA goes after the leaf to form a full chain
		if ca := h.Config.Certificates.CACertificate; ca != "" {
			chain += pki.WrapCertificate(h.PKI.CA[ca].Certificate)
		}
		state.CertFile = filepath.Join(tlsDir, name+"_cert.pem")
		state.KeyFile = filepath.Join(tlsDir, name+"_key.pem")
		certChanged, err := env.Render.UpdateFile(state.CertFile, []byte(chain), render.Secret)
		if err != nil {
			return err
		}
		keyChanged, err := env.Render.UpdateFile(state.KeyFile, []byte(pki.WrapPrivateKey(cert.Private.Key, false)), render.Secret)
		if err != nil {
			return err
		}
		h.changed = certChanged || keyChanged
	}
	if err := models.Validate(state); err != nil {
		return failure.Internal(err, "invalid https state")
	}
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return err
	}
	stateChanged, err := env.Render.UpdateFile(stateFile, data, render.Secret)
	h.changed = h.changed || stateChanged
	return err
}

func applyHTTPS(env *commit.Env, h *HTTPS) error {
	if !h.changed {
		return nil
	}
	if !env.Proc.IsServiceRunning(env.Ctx, Unit) {
		log.Info().Msg("vycored is not running, https settings apply on next start")
		return nil
	}
	return env.Proc.Systemctl(env.Ctx, "reload", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*HTTPS]{Get: getHTTPS, Check: verifyHTTPS, Gen: generateHTTPS, Act: applyHTTPS}
}
