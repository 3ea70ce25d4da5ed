package crypto

import (
	"crypto/rc4"
	"fmt"
)

// keystreamDrop is the number of leading keystream bytes discarded after
// key scheduling. The device-control service does the same on its side,
// so both ends must skip exactly this many bytes.
const keystreamDrop = 1024

// Stream is a stateful keystream cipher seeded from a signed nonce.
//
// A Stream consumes its keystream as it encrypts: the same instance must
// be used for all fields of one request, in order, and never reused for
// another request. Callers create a fresh Stream per payload.
type Stream struct {
	cipher *rc4.Cipher
}

// NewStream initializes a Stream from a key of arbitrary length and
// performs the mandatory keystream drop.
func NewStream(key []byte) (*Stream, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init stream cipher: %w", err)
	}
	drop := make([]byte, keystreamDrop)
	c.XORKeyStream(drop, drop)
	return &Stream{cipher: c}, nil
}

// Crypt applies the next keystream bytes to data and returns the result.
// Encryption and decryption are the same operation.
func (s *Stream) Crypt(data []byte) []byte {
	out := make([]byte, len(data))
	s.cipher.XORKeyStream(out, data)
	return out
}
