package store

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TLSConfigFromEnv builds a client TLS config from <PREFIX>_TLS* variables.
// It returns nil when <PREFIX>_TLS is not "true". Redis and Kafka share it.
func TLSConfigFromEnv(prefix string) (*tls.Config, error) {
	get := func(suffix string) string { return strings.TrimSpace(os.Getenv(prefix + suffix)) }
	if !strings.EqualFold(get("_TLS"), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(get("_TLS_INSECURE"), "true") {
		if !strings.EqualFold(get("_ALLOW_INSECURE_TLS"), "true") {
			return nil, fmt.Errorf("%s_TLS_INSECURE=true requires %s_ALLOW_INSECURE_TLS=true", prefix, prefix)
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = get("_TLS_SERVER_NAME")
	if caFile := get("_TLS_CA_CERT_FILE"); caFile != "" {
		pem, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read %s_TLS_CA_CERT_FILE: %w", prefix, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse %s_TLS_CA_CERT_FILE: no valid certificates", prefix)
		}
		cfg.RootCAs = pool
	}
	certFile, keyFile := get("_TLS_CERT_FILE"), get("_TLS_KEY_FILE")
	if certFile == "" && keyFile == "" {
		return cfg, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both %s_TLS_CERT_FILE and %s_TLS_KEY_FILE must be set", prefix, prefix)
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load %s mTLS keypair: %w", strings.ToLower(prefix), err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

func requiresSecureTransport(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
