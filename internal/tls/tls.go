// Package tls builds the server TLS configuration for the status endpoint
// from certificate files or a directory with optional self-signed generation.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config selects the certificate source. CertFile/KeyFile win over Dir.
type Config struct {
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool   // create a self-signed pair in Dir when missing
	MinVersion   string // "1.2" or "1.3" (default)
}

// Enabled reports whether any certificate source is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.Dir != ""
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch ver {
	case "", "default", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// getCertificationFunc loads the pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// Setup returns the server TLS configuration for c, or nil when c is not
// enabled. The pair is validated once up front.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	minVer, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case certPath != "" || keyPath != "":
		return nil, errors.New("both cert_file and key_file are required")
	default:
		certPath = filepath.Join(c.Dir, tlsCrt)
		keyPath = filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(c.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// CAFile returns the path of the CA certificate written next to a generated
// pair in dir.
func CAFile(dir string) string { return filepath.Join(dir, tlsCaCrt) }

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "mailsvc",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(1, 0, 0),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   CAFile(destDir),
	})
}
