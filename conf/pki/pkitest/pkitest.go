// Package pkitest generates throwaway pki material in the stored format.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Material is a CA, a leaf signed by it with its key and an OpenSSH key
// pair, each as the base64 body the config stores.
type Material struct {
	CA, Cert, Key, SSHPublic, SSHPrivate string
}

func New(t testing.TB) Material {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "router.example.net"},
		DNSNames:     []string{"router.example.net"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caTmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	enc := base64.StdEncoding.EncodeToString
	return Material{
		CA:         enc(caDER),
		Cert:       enc(leafDER),
		Key:        enc(keyDER),
		SSHPublic:  enc(sshPub.Marshal()),
		SSHPrivate: enc(block.Bytes),
	}
}

// Config renders the material as a "pki" block with CA "root",
// certificate "web" and OpenSSH key "admin".
func (m Material) Config() string {
	return fmt.Sprintf(`
pki {
    ca root {
        certificate %s
    }
    certificate web {
        certificate %s
        private {
            key %s
        }
    }
    openssh admin {
        public {
            key %s
            type ssh-ed25519
        }
        private {
            key %s
        }
    }
}`, m.CA, m.Cert, m.Key, m.SSHPublic, m.SSHPrivate)
}
