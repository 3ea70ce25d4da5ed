// Package codec builds the signed, encrypted form payload expected by
// the device-control RPC endpoint and decrypts its responses.
//
// The scheme is reverse engineered from the vendor's Android client:
// every field value is replaced by stream-cipher output keyed from a
// per-request signed nonce, with one signature taken before encryption
// (rc4_hash__) and one after (signature). Field order is part of both
// signatures; the server rejects reordered payloads.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/wangyuan292/migpt-next/internal/crypto"
)

// Wire field names of the signed request payload.
const (
	fieldData      = "data"
	fieldHash      = "rc4_hash__"
	fieldSignature = "signature"
	fieldNonce     = "_nonce"
	fieldSSecurity = "ssecurity"
)

// ErrDecode reports a response that could not be decrypted or parsed.
// Callers treat it like a transport failure: the result is discarded,
// never partially used.
var ErrDecode = errors.New("decode response failed")

// SignedRequest is the encrypted, signed field set for one RPC call.
type SignedRequest struct {
	// Fields holds the payload in transmission order: data, rc4_hash__,
	// signature, _nonce, ssecurity.
	Fields []crypto.Field
	// Nonce is the cleartext per-request nonce, needed again to decrypt
	// the response.
	Nonce string
}

// Form encodes the request as an application/x-www-form-urlencoded body,
// preserving field order.
func (r *SignedRequest) Form() string {
	var b strings.Builder
	for i, f := range r.Fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// Encode serializes payload and produces the signed, encrypted request
// for the given method and URI path under the session secret.
func Encode(method, uri string, payload any, ssecurity string) (*SignedRequest, error) {
	nonce, err := crypto.Nonce()
	if err != nil {
		return nil, err
	}
	return EncodeWithNonce(method, uri, payload, ssecurity, nonce)
}

// EncodeWithNonce is Encode with a caller-supplied nonce. Production
// code always uses Encode; a fixed nonce makes the output reproducible.
func EncodeWithNonce(method, uri string, payload any, ssecurity, nonce string) (*SignedRequest, error) {
	snonce, err := crypto.SignNonce(ssecurity, nonce)
	if err != nil {
		return nil, fmt.Errorf("derive signed nonce: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(snonce)
	if err != nil {
		return nil, fmt.Errorf("decode signed nonce: %w", err)
	}
	stream, err := crypto.NewStream(key)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	fields := []crypto.Field{{Key: fieldData, Value: string(data)}}
	fields = append(fields, crypto.Field{
		Key:   fieldHash,
		Value: crypto.Sign(method, uri, fields, snonce),
	})
	// Replace every value with keystream output, in insertion order. The
	// single stream instance keeps its position across fields.
	for i := range fields {
		cipher := stream.Crypt([]byte(fields[i].Value))
		fields[i].Value = base64.StdEncoding.EncodeToString(cipher)
	}
	fields = append(fields, crypto.Field{
		Key:   fieldSignature,
		Value: crypto.Sign(method, uri, fields, snonce),
	})
	fields = append(fields,
		crypto.Field{Key: fieldNonce, Value: nonce},
		crypto.Field{Key: fieldSSecurity, Value: ssecurity},
	)
	return &SignedRequest{Fields: fields, Nonce: nonce}, nil
}

// Decode decrypts a response body produced for the request that carried
// nonce. When gzipped is set the plaintext is gzip-compressed and is
// inflated before parsing. Any failure yields ErrDecode; there is no
// partial result.
func Decode(ssecurity, nonce, body string, gzipped bool) (json.RawMessage, error) {
	snonce, err := crypto.SignNonce(ssecurity, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: derive signed nonce: %v", ErrDecode, err)
	}
	key, err := base64.StdEncoding.DecodeString(snonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signed nonce: %v", ErrDecode, err)
	}
	stream, err := crypto.NewStream(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	cipher, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 body: %v", ErrDecode, err)
	}

	plain := stream.Crypt(cipher)
	if gzipped {
		zr, err := gzip.NewReader(bytes.NewReader(plain))
		if err != nil {
			return nil, fmt.Errorf("%w: gunzip body: %v", ErrDecode, err)
		}
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: gunzip body: %v", ErrDecode, err)
		}
		plain = inflated
	}
	if !json.Valid(plain) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrDecode)
	}
	return json.RawMessage(plain), nil
}
