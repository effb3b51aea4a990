package ports

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// StaticCertVerifier accepts qualified certificates whose issuer common
// name is on the configured list. The chain is checked for validity
// windows; revocation is out of scope for this verifier.
type StaticCertVerifier struct {
	Issuers []string
	Clock   Clock
}

func NewStaticCertVerifier(issuers []string, clock Clock) *StaticCertVerifier {
	if clock == nil {
		clock = WallClock()
	}
	return &StaticCertVerifier{Issuers: issuers, Clock: clock}
}

func (v *StaticCertVerifier) VerifyQualified(ctx context.Context, pemChain []byte) error {
	if len(v.Issuers) == 0 {
		return fmt.Errorf("no recognized issuers configured")
	}
	certs, err := parseChain(pemChain)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("certificate chain is empty")
	}
	now := v.Clock.Now()
	leaf := certs[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate outside its validity window")
	}
	issuer := leaf.Issuer.CommonName
	for _, recognized := range v.Issuers {
		if issuer == recognized {
			return nil
		}
	}
	return fmt.Errorf("issuer %q is not a recognized qualified issuer", issuer)
}

func parseChain(pemChain []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
