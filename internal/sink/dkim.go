package sink

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// dkimHeaderKeys are the headers covered by the signature.
var dkimHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// DKIMSigner signs outgoing SMTP messages. A nil signer leaves messages
// untouched.
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner builds a signer from the sink config. It returns nil, nil
// when DKIM is not configured.
func NewDKIMSigner(cfg Config) (*DKIMSigner, error) {
	if cfg.DKIMSelector == "" {
		return nil, nil
	}

	var pemData []byte
	switch {
	case cfg.DKIMPrivateKey != "":
		pemData = []byte(cfg.DKIMPrivateKey)
	case cfg.DKIMKeyPath != "":
		data, err := os.ReadFile(cfg.DKIMKeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: private key is required")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &DKIMSigner{
		domain:   strings.ToLower(strings.TrimSpace(cfg.DKIMDomain)),
		selector: cfg.DKIMSelector,
		key:      key,
	}, nil
}

// Sign prepends a DKIM-Signature header. The signing domain defaults to the
// domain of from.
func (s *DKIMSigner) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = domainOf(from)
	}
	if domain == "" {
		return nil, errors.New("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             dkimHeaderKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

// domainOf returns the lower-cased domain part of an address.
func domainOf(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
