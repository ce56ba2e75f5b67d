package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)

	if validity := x.NotAfter.Sub(x.NotBefore); validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x.Subject.CommonName != "dvswitch" {
		t.Errorf("common name = %q", x.Subject.CommonName)
	}

	want := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintHex() != hex.EncodeToString(want[:]) {
		t.Error("hex fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(x.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
	if len(cert.TLSConfig().Certificates) != 1 {
		t.Error("TLSConfig does not carry the certificate")
	}
}

func TestGenerateValidityBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		validity time.Duration
	}{
		{"too long", 30 * 24 * time.Hour},
		{"zero", 0},
		{"negative", -time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cert, err := Generate(tc.validity)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			x := parse(t, cert)
			if got := x.NotAfter.Sub(x.NotBefore); got != MaxValidity {
				t.Errorf("validity = %v, want %v", got, MaxValidity)
			}
		})
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "switcher.local", "10.1.2.3", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)
	if !slices.Contains(x.DNSNames, "switcher.local") {
		t.Errorf("DNS names = %v", x.DNSNames)
	}
	found := slices.ContainsFunc(x.IPAddresses, func(ip net.IP) bool {
		return ip.Equal(net.ParseIP("10.1.2.3"))
	})
	if !found {
		t.Errorf("IP addresses = %v", x.IPAddresses)
	}
	if len(x.DNSNames) != 2 {
		t.Errorf("empty host was added: %v", x.DNSNames)
	}
}
