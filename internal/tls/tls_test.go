package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/playground/internal/config"
)

func TestSetupTLSDisabled(t *testing.T) {
	c, err := SetupTLS(config.ServerConfig{})
	if err != nil || c != nil {
		t.Fatalf("expected nil config without tls, got %v %v", c, err)
	}
	c, err = SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false, Dir: t.TempDir()}})
	if err != nil || c != nil {
		t.Fatalf("expected nil config when disabled, got %v %v", c, err)
	}
}

func TestSetupTLSAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	srv := config.ServerConfig{
		TLSMinVersion: "1.2",
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{CommonName: "play.local", DNSNames: []string{"play.local"}, ValidDays: 2},
		},
	}
	c, err := SetupTLS(srv)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 || c.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: %x %x", c.MinVersion, c.MaxVersion)
	}
	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}
	st, err := os.Stat(filepath.Join(dir, tlsKey))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm()&0o077 != 0 {
		t.Fatalf("key file too permissive: %v", st.Mode().Perm())
	}

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("load certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "play.local" || leaf.Subject.Organization[0] != "devops-playground" {
		t.Fatalf("unexpected subject: %+v", leaf.Subject)
	}

	// a second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := SetupTLS(srv); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatalf("certificate regenerated although it existed")
	}
}

func TestSetupTLSCertFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "c.pem")
	keyPath := filepath.Join(dir, "k.pem")
	if err := GenerateSelfSignedCert(CertConfig{
		CommonName: "x", Organization: "o", NotAfter: timeIn(1),
		CertPath: certPath, KeyPath: keyPath,
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := os.ReadFile(certPath)
	if blk, _ := pem.Decode(b); blk == nil || blk.Type != "CERTIFICATE" {
		t.Fatalf("certificate is not PEM")
	}
	c, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}})
	if err != nil || c == nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS13 {
		t.Fatalf("expected TLS 1.3 default, got %x", c.MinVersion)
	}
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{}); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestSetupTLSWithoutSource(t *testing.T) {
	if _, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error without certificate source")
	}
}

func TestSafeReadFileOutsideBase(t *testing.T) {
	if _, err := safeReadFile(t.TempDir(), "/etc/hosts"); err == nil {
		t.Fatalf("expected error for path outside base dir")
	}
}

func TestVersionRange(t *testing.T) {
	lo, hi, err := versionRange("TLS1.2", "")
	if err != nil || lo != tls.VersionTLS12 || hi != tls.VersionTLS13 {
		t.Fatalf("got %x %x %v", lo, hi, err)
	}
	if _, _, err := versionRange("1.1", ""); err == nil {
		t.Fatalf("expected unsupported version error")
	}
	if _, _, err := versionRange("1.3", "1.2"); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func timeIn(days int) time.Time { return time.Now().AddDate(0, 0, days) }
