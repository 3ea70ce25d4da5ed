package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")

	enc, err := NewStream(key)
	require.NoError(t, err)
	dec, err := NewStream(key)
	require.NoError(t, err)

	plain := []byte(`{"data":"hello speaker","volume":42}`)
	cipher := enc.Crypt(plain)
	assert.NotEqual(t, plain, cipher)
	assert.Equal(t, plain, dec.Crypt(cipher))
}

// TestStreamConsumesKeystream checks that a Stream keeps position across
// calls: decrypting field two requires having decrypted field one first.
func TestStreamConsumesKeystream(t *testing.T) {
	key := []byte("secret")

	enc, err := NewStream(key)
	require.NoError(t, err)
	first := enc.Crypt([]byte("field-one"))
	second := enc.Crypt([]byte("field-two"))

	dec, err := NewStream(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("field-one"), dec.Crypt(first))
	assert.Equal(t, []byte("field-two"), dec.Crypt(second))

	fresh, err := NewStream(key)
	require.NoError(t, err)
	_ = fresh.Crypt([]byte("field-one"))
	assert.NotEqual(t, second, fresh.Crypt([]byte("field-one")),
		"keystream position must differ for different plaintext lengths consumed")
}

func TestNewStreamRejectsEmptyKey(t *testing.T) {
	_, err := NewStream(nil)
	assert.Error(t, err)
}

func TestSignNonce(t *testing.T) {
	ssecurity := base64.StdEncoding.EncodeToString([]byte("session-secret"))
	nonce := base64.StdEncoding.EncodeToString([]byte("twelve-bytes"))

	got, err := SignNonce(ssecurity, nonce)
	require.NoError(t, err)

	h := sha256.New()
	h.Write([]byte("session-secret"))
	h.Write([]byte("twelve-bytes"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), got)

	_, err = SignNonce("not base64!!", nonce)
	assert.Error(t, err)
	_, err = SignNonce(ssecurity, "not base64!!")
	assert.Error(t, err)
}

func TestSignIsOrderSensitive(t *testing.T) {
	fields := []Field{{Key: "data", Value: "abc"}, {Key: "rc4_hash__", Value: "xyz"}}
	swapped := []Field{{Key: "rc4_hash__", Value: "xyz"}, {Key: "data", Value: "abc"}}

	a := Sign("post", "/app/home/rpc", fields, "secret")
	b := Sign("post", "/app/home/rpc", swapped, "secret")
	assert.NotEqual(t, a, b)

	// Method is uppercased before signing.
	assert.Equal(t, Sign("POST", "/app/home/rpc", fields, "secret"), a)
}

func TestSHA1Base64KnownVector(t *testing.T) {
	assert.Equal(t, "2jmj7l5rSw0yVb/vlWAYkK/YBwk=", SHA1Base64(""))
}

func TestHashPassword(t *testing.T) {
	assert.Equal(t, "5F4DCC3B5AA765D61D8327DEB882CF99", HashPassword("password"))
}

func TestNonce(t *testing.T) {
	a, err := Nonce()
	require.NoError(t, err)
	b, err := Nonce()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 12)
	assert.NotEqual(t, a, b)
}
