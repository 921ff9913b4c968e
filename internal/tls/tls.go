// Package tls builds the HTTPS configuration of the playground API from
// either an explicit key pair or a certificate directory, which can be
// filled with a self-signed pair on first start.
package tls

import (
	"cmp"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/playground/internal/config"
)

// File names inside a certificate directory.
const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

const defaultValidDays = 365 * 5

var versions = map[string]uint16{
	"1.2": tls.VersionTLS12, "tls1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13, "tls1.3": tls.VersionTLS13,
}

// versionRange maps the configured bounds; an empty bound means TLS 1.3.
func versionRange(minName, maxName string) (uint16, uint16, error) {
	lookup := func(name string) (uint16, error) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "default" {
			return tls.VersionTLS13, nil
		}
		v, ok := versions[name]
		if !ok {
			return 0, fmt.Errorf("unsupported TLS version %q", name)
		}
		return v, nil
	}
	lo, err := lookup(minName)
	if err != nil {
		return 0, 0, err
	}
	hi, err := lookup(maxName)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("tls_min_version %q is above tls_max_version %q", minName, maxName)
	}
	return lo, hi, nil
}

// SetupTLS returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over a certificate directory.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	lo, hi, err := versionRange(server.TLSMinVersion, server.TLSMaxVersion)
	if err != nil {
		return nil, err
	}

	var pair keyPair
	switch {
	case t.CertFile != "" && t.KeyFile != "":
		pair = keyPair{cert: t.CertFile, key: t.KeyFile}
	case t.Dir != "":
		pair = keyPair{cert: filepath.Join(t.Dir, tlsCrt), key: filepath.Join(t.Dir, tlsKey)}
		if t.AutoGenerate && !pair.exists() {
			if err := generateCertificate(t.AutoGen, t.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but no valid certificate configuration found")
	}

	// #nosec G402 -- the minimum version is operator-configured and defaults to 1.3
	return &tls.Config{
		GetCertificate: pair.load,
		MinVersion:     lo,
		MaxVersion:     hi,
	}, nil
}

// keyPair is reread on every handshake so renewed files are picked up
// without a restart.
type keyPair struct {
	cert string
	key  string
}

func (p keyPair) exists() bool {
	_, certErr := os.Stat(p.cert)
	_, keyErr := os.Stat(p.key)
	return certErr == nil && keyErr == nil
}

func (p keyPair) load(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	base := filepath.Dir(p.cert)
	certPEM, err := safeReadFile(base, p.cert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := safeReadFile(base, p.key)
	if err != nil {
		return nil, err
	}
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// safeReadFile reads p only when it lies inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if absFile != absBase && !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// generateCertificate writes a self-signed pair for the playground host into destDir.
func generateCertificate(gen *config.AutoGenTLS, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if gen == nil {
		gen = &config.AutoGenTLS{}
	}
	dns := gen.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := gen.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	days := gen.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cmp.Or(gen.CommonName, "localhost"),
		Organization: cmp.Or(gen.Organization, "devops-playground"),
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
