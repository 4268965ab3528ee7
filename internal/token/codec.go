// Package token implements the signed, expiring token format used by the
// public signature links. Tokens are self-describing and tamper-evident;
// consumption state is never embedded in them and lives only on the
// signable record.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// nonceBytes guards against token prediction when timestamps collide.
	nonceBytes = 16

	// minKeyBytes is the minimum accepted HMAC key size (256 bits).
	minKeyBytes = 32

	fieldSeparator = "|"
)

var (
	// ErrMalformed indicates the token does not have the expected structure.
	ErrMalformed = errors.New("token: malformed")

	// ErrTampered indicates the authentication tag does not match the payload.
	ErrTampered = errors.New("token: tampered")
)

// Claims is the decoded content of a verified token. Expiry is returned for
// the validation pipeline to check against the record's stored expiry;
// Verify itself never consults the clock.
type Claims struct {
	RecordType string
	RecordID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Nonce      string
}

// Keyring holds the active signing key plus any number of verify-only keys,
// so key rotation can be layered on without touching verification logic.
type Keyring struct {
	active []byte
	verify [][]byte
}

// NewKeyring builds a keyring. Every key must be at least 256 bits.
func NewKeyring(active []byte, verifyOnly ...[]byte) (Keyring, error) {
	if len(active) < minKeyBytes {
		return Keyring{}, fmt.Errorf("token: active key must be at least %d bytes", minKeyBytes)
	}
	keys := make([][]byte, 0, len(verifyOnly))
	for i, k := range verifyOnly {
		if len(k) < minKeyBytes {
			return Keyring{}, fmt.Errorf("token: verify-only key %d must be at least %d bytes", i, minKeyBytes)
		}
		keys = append(keys, k)
	}
	return Keyring{active: active, verify: keys}, nil
}

// Codec issues and verifies tokens. Pure CPU, safe for concurrent use.
type Codec struct {
	keys Keyring
	now  func() time.Time
}

// NewCodec constructs a codec around an injected keyring.
func NewCodec(keys Keyring) *Codec {
	return &Codec{keys: keys, now: time.Now}
}

// WithClock overrides the issuance clock. Intended for tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue builds a token bound to one signable record:
//
//	base64url(recordType|recordID|issuedAt|expiresAt|nonceHex) + "." + base64url(tag)
//
// where tag is HMAC-SHA256 over the payload with the active key.
func (c *Codec) Issue(recordType, recordID string, validFor time.Duration) (string, error) {
	recordType = strings.TrimSpace(recordType)
	recordID = strings.TrimSpace(recordID)
	if recordType == "" || recordID == "" {
		return "", errors.New("token: record type and id are required")
	}
	if strings.Contains(recordType, fieldSeparator) || strings.Contains(recordID, fieldSeparator) {
		return "", errors.New("token: record type and id must not contain the field separator")
	}
	if validFor <= 0 {
		return "", errors.New("token: validity window must be positive")
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token: generate nonce: %w", err)
	}

	issuedAt := c.now().UTC()
	expiresAt := issuedAt.Add(validFor)
	payload := strings.Join([]string{
		recordType,
		recordID,
		strconv.FormatInt(issuedAt.Unix(), 10),
		strconv.FormatInt(expiresAt.Unix(), 10),
		hex.EncodeToString(nonce),
	}, fieldSeparator)

	tag := sign([]byte(payload), c.keys.active)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(tag), nil
}

// Verify checks structure and authenticity. It does not check expiry or
// consumption: both belong to the validation pipeline, which compares the
// returned claims against the record's live state.
func (c *Codec) Verify(tok string) (Claims, error) {
	payloadPart, tagPart, ok := strings.Cut(tok, ".")
	if !ok || payloadPart == "" || tagPart == "" || strings.Contains(tagPart, ".") {
		return Claims{}, ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	tag, err := base64.RawURLEncoding.DecodeString(tagPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	if !c.authentic(payload, tag) {
		return Claims{}, ErrTampered
	}

	claims, err := parsePayload(string(payload))
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// authentic recomputes the tag with every keyring key. Comparison is
// constant-time; a short-circuit string compare would leak tag prefixes.
func (c *Codec) authentic(payload, tag []byte) bool {
	keys := append([][]byte{c.keys.active}, c.keys.verify...)
	valid := false
	for _, key := range keys {
		expected := sign(payload, key)
		if subtle.ConstantTimeCompare(expected, tag) == 1 {
			valid = true
		}
	}
	return valid
}

func parsePayload(payload string) (Claims, error) {
	parts := strings.Split(payload, fieldSeparator)
	if len(parts) != 5 {
		return Claims{}, ErrMalformed
	}
	recordType, recordID, issuedRaw, expiresRaw, nonce := parts[0], parts[1], parts[2], parts[3], parts[4]
	if recordType == "" || recordID == "" {
		return Claims{}, ErrMalformed
	}
	issuedAt, err := strconv.ParseInt(issuedRaw, 10, 64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	expiresAt, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if _, err := hex.DecodeString(nonce); err != nil || len(nonce) != nonceBytes*2 {
		return Claims{}, ErrMalformed
	}
	return Claims{
		RecordType: recordType,
		RecordID:   recordID,
		IssuedAt:   time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:  time.Unix(expiresAt, 0).UTC(),
		Nonce:      nonce,
	}, nil
}

func sign(payload, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Prefix returns the leading characters of a token for audit storage.
// Full tokens are never persisted.
func Prefix(tok string) string {
	const n = 8
	if len(tok) <= n {
		return tok
	}
	return tok[:n]
}
