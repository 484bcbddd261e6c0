package certrotate

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateSelfSigned(t *testing.T, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestLoadBundleParsesServerCertAndKey(t *testing.T) {
	certPEM, keyPEM := generateSelfSigned(t, "opcuad-test-server")
	var buf bytes.Buffer
	buf.Write(certPEM)
	buf.Write(keyPEM)

	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.pem")
	if err := os.WriteFile(bundlePath, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bundle, err := LoadBundle(bundlePath, "")
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if bundle.ServerCert == nil || bundle.ServerCert.Subject.CommonName != "opcuad-test-server" {
		t.Fatalf("unexpected server cert: %+v", bundle.ServerCert)
	}
	if len(bundle.ServerCertificate.Certificate) == 0 {
		t.Fatalf("tls.Certificate not populated")
	}
}

func TestLoadBundleWithDenylist(t *testing.T) {
	certPEM, keyPEM := generateSelfSigned(t, "opcuad-test-server")
	var buf bytes.Buffer
	buf.Write(certPEM)
	buf.Write(keyPEM)

	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.pem")
	denylistPath := filepath.Join(dir, "denylist.txt")
	if err := os.WriteFile(bundlePath, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile bundle: %v", err)
	}
	if err := os.WriteFile(denylistPath, []byte("AA:BB:CC\n# comment\n\n"), 0o600); err != nil {
		t.Fatalf("WriteFile denylist: %v", err)
	}

	bundle, err := LoadBundle(bundlePath, denylistPath)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if _, ok := bundle.Denylist["aa:bb:cc"]; !ok {
		t.Fatalf("denylist entry not normalized/merged: %v", bundle.Denylist)
	}
}

func TestLoadBundleMissingKeyErrors(t *testing.T) {
	certPEM, _ := generateSelfSigned(t, "opcuad-test-server")
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.pem")
	if err := os.WriteFile(bundlePath, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadBundle(bundlePath, ""); err == nil {
		t.Fatalf("expected error loading bundle with no key")
	}
}
