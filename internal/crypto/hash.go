// Package crypto holds the primitives of the reverse-engineered Mi
// home-cloud signing scheme: the dropped-keystream stream cipher, the
// signed-nonce key derivation, and the canonical request signature.
// Nothing in here knows about HTTP or sessions.
package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// nonceSize is the fixed size of a per-request nonce in raw bytes.
const nonceSize = 12

// Field is one (name, value) pair of a signed request payload.
//
// The request signature covers fields in insertion order, so signed
// payloads are always ordered slices of Field, never maps.
type Field struct {
	Key   string
	Value string
}

// SignNonce derives the per-request signing key from the session secret
// and a fresh nonce (both base64): SHA-256 over the decoded secret
// followed by the decoded nonce, re-encoded as base64.
func SignNonce(ssecurity, nonce string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(ssecurity)
	if err != nil {
		return "", fmt.Errorf("decode ssecurity: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	h := sha256.New()
	h.Write(secret)
	h.Write(raw)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Sign computes the canonical request signature: the uppercase method,
// the URI path, each key=value pair in field order, and a trailing
// secret, joined by "&", SHA-1 digested and base64 encoded.
func Sign(method, uri string, fields []Field, secret string) string {
	parts := make([]string, 0, len(fields)+3)
	if method != "" {
		parts = append(parts, strings.ToUpper(method))
	}
	if uri != "" {
		parts = append(parts, uri)
	}
	for _, f := range fields {
		parts = append(parts, f.Key+"="+f.Value)
	}
	parts = append(parts, secret)
	return SHA1Base64(strings.Join(parts, "&"))
}

// SHA1Base64 returns the base64-encoded SHA-1 digest of s.
func SHA1Base64(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashPassword returns the uppercase-hex MD5 digest of the account
// password. MD5 is a hard requirement of the legacy login endpoint, not
// a choice.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Nonce returns a fresh base64-encoded 12-byte random nonce.
func Nonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
