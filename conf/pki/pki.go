// Package pki owns the "pki" tree. Certificates and keys are stored as the
// base64 body of their PEM encoding; consumers wrap them back with the
// helpers here.
package pki

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"

	"vycore/commit"
	"vycore/configtree"
	"vycore/internal/failure"
)

const Owner = "pki"

// consumers are the owners whose rendered output embeds pki material,
// with the path that references it.
var consumers = map[string][]string{
	"service_https": {"service", "https", "certificates"},
}

type Private struct {
	Key               string `mapstructure:"key"`
	PasswordProtected bool   `mapstructure:"password_protected"`
}

type Certificate struct {
	Certificate string  `mapstructure:"certificate"`
	Description string  `mapstructure:"description"`
	Private     Private `mapstructure:"private"`
}

type KeyPair struct {
	Public struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"public"`
	Private Private `mapstructure:"private"`
}

type OpenSSH struct {
	Public struct {
		Key  string `mapstructure:"key"`
		Type string `mapstructure:"type"`
	} `mapstructure:"public"`
	Private Private `mapstructure:"private"`
}

type Config struct {
	CA          map[string]Certificate `mapstructure:"ca"`
	Certificate map[string]Certificate `mapstructure:"certificate"`
	KeyPair     map[string]KeyPair     `mapstructure:"key_pair"`
	DH          map[string]struct {
		Parameters string `mapstructure:"parameters"`
	} `mapstructure:"dh"`
	OpenSSH map[string]OpenSSH `mapstructure:"openssh"`
}

// Decode reads the pki tree of the candidate, for handlers that need to
// resolve a reference.
func Decode(s *configtree.Session) (*Config, error) {
	c := &Config{}
	if _, err := s.DecodeAt([]string{"pki"}, false, c); err != nil {
		return nil, err
	}
	return c, nil
}

type PKI struct {
	Deleted bool
	Config  Config
}

func getPKI(env *commit.Env) (*PKI, error) {
	p := &PKI{}
	exists, err := env.Config.DecodeAt([]string{"pki"}, false, &p.Config)
	if err != nil {
		return nil, err
	}
	p.Deleted = !exists
	for owner, path := range consumers {
		if env.Config.Exists(path...) {
			env.SetDependents(owner, "")
		}
	}
	return p, nil
}

func verifyPKI(p *PKI) error {
	if p.Deleted {
		return nil
	}
	c := p.Config
	for _, name := range configtree.SortedKeys(c.CA) {
		ca := c.CA[name]
		path := []string{"pki", "ca", name}
		if ca.Certificate != "" {
			cert, err := ParseCertificate(ca.Certificate)
			if err != nil || !cert.IsCA {
				return failure.Config(path, "Invalid certificate on CA certificate %q", name)
			}
		}
		if !validPrivateKey(ca.Private) {
			return failure.Config(path, "Invalid private key on CA certificate %q", name)
		}
	}
	for _, name := range configtree.SortedKeys(c.Certificate) {
		cert := c.Certificate[name]
		path := []string{"pki", "certificate", name}
		if cert.Certificate != "" {
			if _, err := ParseCertificate(cert.Certificate); err != nil {
				return failure.Config(path, "Invalid certificate on certificate %q", name)
			}
		}
		if !validPrivateKey(cert.Private) {
			return failure.Config(path, "Invalid private key on certificate %q", name)
		}
	}
	for _, name := range configtree.SortedKeys(c.DH) {
		if _, err := ParseDHParameters(c.DH[name].Parameters); err != nil {
			return failure.Config([]string{"pki", "dh", name}, "Invalid DH parameters on %q", name)
		}
	}
	for _, name := range configtree.SortedKeys(c.KeyPair) {
		kp := c.KeyPair[name]
		path := []string{"pki", "key-pair", name}
		if kp.Public.Key != "" {
			if _, err := x509.ParsePKIXPublicKey(decodeBody(kp.Public.Key)); err != nil {
				return failure.Config(path, "Invalid public key on key-pair %q", name)
			}
		}
		if !validPrivateKey(kp.Private) {
			return failure.Config(path, "Invalid private key on key-pair %q", name)
		}
	}
	for _, name := range configtree.SortedKeys(c.OpenSSH) {
		key := c.OpenSSH[name]
		path := []string{"pki", "openssh", name}
		if key.Public.Key != "" {
			if key.Public.Type == "" {
				return failure.Config(path, "OpenSSH public key type is mandatory for %q", name)
			}
			if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key.Public.Type + " " + key.Public.Key)); err != nil {
				return failure.Config(path, "Invalid OpenSSH public key on %q", name)
			}
		}
		if key.Private.Key != "" && !key.Private.PasswordProtected {
			if _, err := ssh.ParseRawPrivateKey([]byte(WrapOpenSSHPrivateKey(key.Private.Key))); err != nil {
				return failure.Config(path, "Invalid OpenSSH private key on %q", name)
			}
		}
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*PKI]{Get: getPKI, Check: verifyPKI}
}

func decodeBody(raw string) []byte {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
	if err != nil {
		return nil
	}
	return der
}

func wrap(kind, raw string) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: decodeBody(raw)}))
}

func WrapCertificate(raw string) string {
	return wrap("CERTIFICATE", raw)
}

// WrapPrivateKey wraps a PKCS#8 body, or an encrypted one when protected.
func WrapPrivateKey(raw string, protected bool) string {
	if protected {
		return wrap("ENCRYPTED PRIVATE KEY", raw)
	}
	return wrap("PRIVATE KEY", raw)
}

func WrapDHParameters(raw string) string {
	return wrap("DH PARAMETERS", raw)
}

func WrapOpenSSHPrivateKey(raw string) string {
	return wrap("OPENSSH PRIVATE KEY", raw)
}

func ParseCertificate(raw string) (*x509.Certificate, error) {
	der := decodeBody(raw)
	if der == nil {
		return nil, fmt.Errorf("certificate is not base64")
	}
	return x509.ParseCertificate(der)
}

// ParseDHParameters returns the prime of a PKCS#3 parameter block.
func ParseDHParameters(raw string) (*big.Int, error) {
	var params struct {
		P, G *big.Int
	}
	der := decodeBody(raw)
	if der == nil {
		return nil, fmt.Errorf("parameters are not base64")
	}
	if _, err := asn1.Unmarshal(der, &params); err != nil {
		return nil, err
	}
	return params.P, nil
}

// password protected keys cannot be checked without the passphrase
func validPrivateKey(p Private) bool {
	if p.Key == "" || p.PasswordProtected {
		return true
	}
	_, err := x509.ParsePKCS8PrivateKey(decodeBody(p.Key))
	return err == nil
}
