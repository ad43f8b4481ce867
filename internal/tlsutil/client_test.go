package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dskow/rpclink/internal/config"
)

func TestMinVersionMapping(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"", tls.VersionTLS12, false},
		{"1.2", tls.VersionTLS12, false},
		{"1.3", tls.VersionTLS13, false},
		{"1.0", 0, true},
	}
	for _, tt := range tests {
		tc, err := ClientConfig(config.TLSConfig{MinVersion: tt.in})
		if tt.wantErr {
			if err == nil {
				t.Errorf("MinVersion %q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("MinVersion %q: %v", tt.in, err)
		}
		if tc.MinVersion != tt.want {
			t.Errorf("MinVersion %q = %d, want %d", tt.in, tc.MinVersion, tt.want)
		}
	}
}

func TestCAFileLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, selfSignedPEM(t), 0o644); err != nil {
		t.Fatal(err)
	}

	tc, err := ClientConfig(config.TLSConfig{MinVersion: "1.2", CAFile: path})
	if err != nil {
		t.Fatal(err)
	}
	if tc.RootCAs == nil {
		t.Error("expected a root pool when ca_file is set")
	}
}

func TestCAFileErrors(t *testing.T) {
	if _, err := ClientConfig(config.TLSConfig{MinVersion: "1.2", CAFile: "/does/not/exist.pem"}); err == nil {
		t.Error("expected error for missing CA file")
	}

	path := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(config.TLSConfig{MinVersion: "1.2", CAFile: path}); err == nil {
		t.Error("expected error for non-PEM CA file")
	}
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
