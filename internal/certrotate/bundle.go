// Package certrotate implements certificate bundle loading and the
// server's UpdateCertificate operation: swapping a server's certificate
// and private key, selectively closing sessions/channels bound to the
// old certificate, and updating endpoint descriptions.
package certrotate

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Bundle is the parsed contents of a PEM bundle containing CA
// certificates, a server certificate, and its private key.
type Bundle struct {
	ServerCertificate tls.Certificate
	ServerCert        *x509.Certificate
	ServerCertPEM     []byte
	ServerKeyPEM      []byte
	CACertificate     *x509.Certificate
	CACertPEM         []byte
	CAPool            *x509.CertPool
	Denylist          map[string]struct{}
	DenylistEntries   []string
}

// LoadBundle parses a server certificate bundle from path, optionally
// merging in a denylist of revoked serial numbers from denylistPath.
func LoadBundle(bundlePath, denylistPath string) (*Bundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("certrotate: read bundle: %w", err)
	}
	return parseAndBuildBundle(data, denylistPath)
}

func parseAndBuildBundle(data []byte, denylistPath string) (*Bundle, error) {
	parsed, err := parseBundle(data)
	if err != nil {
		return nil, err
	}
	if parsed.ServerCertPEM == nil || parsed.ServerKeyPEM == nil {
		return nil, errors.New("certrotate: bundle missing server certificate or key")
	}
	tlsCert, err := tls.X509KeyPair(parsed.ServerCertPEM, parsed.ServerKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("certrotate: build key pair: %w", err)
	}
	caPool := x509.NewCertPool()
	for _, ca := range parsed.CACerts {
		caPool.AddCert(ca)
	}
	entries := append([]string(nil), parsed.DenylistEntries...)
	if denylistPath != "" {
		deny, err := loadDenylist(denylistPath)
		if err != nil {
			return nil, err
		}
		for serial := range deny {
			entries = append(entries, serial)
		}
	}
	entries = NormalizeSerials(entries)
	denyMap := make(map[string]struct{}, len(entries))
	for _, serial := range entries {
		denyMap[serial] = struct{}{}
	}
	serverCert := parsed.ServerCert
	if serverCert == nil && len(parsed.ServerCertPEM) > 0 {
		if cert, err := FirstCertificateFromPEM(parsed.ServerCertPEM); err == nil {
			serverCert = cert
		}
	}
	return &Bundle{
		ServerCertificate: tlsCert,
		ServerCert:        serverCert,
		ServerCertPEM:     parsed.ServerCertPEM,
		ServerKeyPEM:      parsed.ServerKeyPEM,
		CACertificate:     parsed.CACert,
		CACertPEM:         parsed.CACertPEM,
		CAPool:            caPool,
		Denylist:          denyMap,
		DenylistEntries:   entries,
	}, nil
}

func loadDenylist(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("certrotate: open denylist: %w", err)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("certrotate: read denylist: %w", err)
	}
	lines := strings.Split(string(buf), "\n")
	out := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[strings.ToLower(line)] = struct{}{}
	}
	return out, nil
}

type parsedBundle struct {
	CACerts         []*x509.Certificate
	CACert          *x509.Certificate
	CACertPEM       []byte
	ServerCert      *x509.Certificate
	ServerCertPEM   []byte
	ServerKeyPEM    []byte
	DenylistEntries []string
}

func parseBundle(data []byte) (*parsedBundle, error) {
	result := &parsedBundle{}
	var privKeys []struct {
		pem    []byte
		signer crypto.Signer
	}
	var leafCerts []*x509.Certificate

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			pemBytes := pem.EncodeToMemory(block)
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("certrotate: parse certificate: %w", err)
			}
			if cert.IsCA {
				result.CACerts = append(result.CACerts, cert)
				if result.CACert == nil {
					result.CACert = cert
					result.CACertPEM = pemBytes
				}
			} else {
				leafCerts = append(leafCerts, cert)
				if result.ServerCertPEM == nil {
					result.ServerCertPEM = pemBytes
				} else {
					result.ServerCertPEM = append(result.ServerCertPEM, pemBytes...)
				}
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("certrotate: parse private key: %w", err)
			}
			privKeys = append(privKeys, struct {
				pem    []byte
				signer crypto.Signer
			}{pem: pem.EncodeToMemory(block), signer: signer})
		case "OPCUAD DENYLIST":
			lines := strings.Split(string(block.Bytes), "\n")
			for _, line := range lines {
				serial := strings.TrimSpace(strings.ToLower(line))
				if serial == "" {
					continue
				}
				result.DenylistEntries = append(result.DenylistEntries, serial)
			}
		default:
			// ignore unknown block types
		}
	}

	if len(leafCerts) == 0 {
		return nil, errors.New("certrotate: no server certificate found")
	}
	leaf := leafCerts[0]
	result.ServerCert = leaf

	for _, key := range privKeys {
		if publicKeysEqual(leaf.PublicKey, key.signer.Public()) {
			result.ServerKeyPEM = key.pem
			break
		}
	}
	if result.ServerKeyPEM == nil {
		return nil, errors.New("certrotate: unable to match server key")
	}

	return result, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("certrotate: unsupported private key type %T", key)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		bk, ok := b.(ed25519.PublicKey)
		return ok && bytes.Equal(ak, bk)
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return ak.E == bk.E && ak.N.Cmp(bk.N) == 0
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ak.Curve == bk.Curve && ak.X.Cmp(bk.X) == 0 && ak.Y.Cmp(bk.Y) == 0
	default:
		return false
	}
}

// NormalizeSerials lowercases, trims, de-duplicates, and sorts serials.
func NormalizeSerials(serials []string) []string {
	set := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FirstCertificateFromPEM returns the first certificate contained in pemBytes.
func FirstCertificateFromPEM(pemBytes []byte) (*x509.Certificate, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	return nil, errors.New("certrotate: no certificate found")
}
