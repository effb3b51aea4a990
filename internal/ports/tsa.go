package ports

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	CertReq        bool `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.RawValue `asn1:"optional"`
}

type timeStampResp struct {
	Status pkiStatusInfo
	Token  asn1.RawValue `asn1:"optional"`
}

// RFC3161TSA requests tokens from a timestamping authority over HTTP.
type RFC3161TSA struct {
	URL    string
	Client *http.Client
}

func NewRFC3161TSA(url string, timeout time.Duration) *RFC3161TSA {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RFC3161TSA{URL: url, Client: &http.Client{Timeout: timeout}}
}

func buildTimestampRequest(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	return asn1.Marshal(req)
}

func (t *RFC3161TSA) Timestamp(ctx context.Context, digest []byte) ([]byte, error) {
	reqDER, err := buildTimestampRequest(digest)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa returned status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("tsa returned an empty response")
	}

	var parsed timeStampResp
	if _, err := asn1.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed tsa response: %w", err)
	}
	// PKIStatus granted(0) or grantedWithMods(1).
	if parsed.Status.Status > 1 {
		return nil, fmt.Errorf("tsa rejected the request with status %d", parsed.Status.Status)
	}
	if len(parsed.Token.FullBytes) == 0 {
		return nil, fmt.Errorf("tsa response carries no token")
	}
	return parsed.Token.FullBytes, nil
}

// Verify checks that the token embeds the digest in its message imprint.
// The imprint octets appear verbatim inside the DER encoding.
func (t *RFC3161TSA) Verify(ctx context.Context, token, digest []byte) error {
	if len(token) == 0 {
		return fmt.Errorf("empty timestamp token")
	}
	if len(digest) != sha256.Size {
		return fmt.Errorf("digest must be %d bytes", sha256.Size)
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(token, &raw); err != nil {
		return fmt.Errorf("malformed timestamp token: %w", err)
	}
	if !bytes.Contains(token, digest) {
		return fmt.Errorf("timestamp token does not cover the digest")
	}
	return nil
}

// StaticTSA issues HMAC-sealed tokens locally. Suitable for development
// and for deployments that accept an internal timestamping authority.
type StaticTSA struct {
	Secret []byte
	Clock  Clock
}

func NewStaticTSA(secret []byte, clock Clock) *StaticTSA {
	if clock == nil {
		clock = WallClock()
	}
	return &StaticTSA{Secret: secret, Clock: clock}
}

type staticToken struct {
	Digest string `json:"digest"`
	TS     string `json:"ts"`
	MAC    string `json:"mac"`
}

func (t *StaticTSA) seal(digestHex, ts string) string {
	mac := hmac.New(sha256.New, t.Secret)
	mac.Write([]byte(digestHex))
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *StaticTSA) Timestamp(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	tok := staticToken{
		Digest: hex.EncodeToString(digest),
		TS:     t.Clock.Now().UTC().Format(time.RFC3339),
	}
	tok.MAC = t.seal(tok.Digest, tok.TS)
	return json.Marshal(tok)
}

func (t *StaticTSA) Verify(ctx context.Context, token, digest []byte) error {
	var tok staticToken
	if err := json.Unmarshal(token, &tok); err != nil {
		return fmt.Errorf("malformed timestamp token: %w", err)
	}
	if tok.Digest != hex.EncodeToString(digest) {
		return fmt.Errorf("timestamp token does not cover the digest")
	}
	want := t.seal(tok.Digest, tok.TS)
	if !hmac.Equal([]byte(want), []byte(tok.MAC)) {
		return fmt.Errorf("timestamp token failed verification")
	}
	return nil
}
