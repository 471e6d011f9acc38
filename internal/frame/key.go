package frame

import (
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"io"
	"io/ioutil"

	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

func NewChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Annotate(err, "chacha20poly1305")
	}
	return aead, nil
}

// ParseKey accepts raw 32 bytes or hex text.
func ParseKey(b []byte) ([]byte, error) {
	if len(b) == KeySize {
		return append([]byte(nil), b...), nil
	}
	text := bytes.TrimSpace(b)
	key := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(key, text); err != nil {
		return nil, errors.Annotate(err, "key hex")
	}
	if len(key) != KeySize {
		return nil, errors.NotValidf("key length=%d expected=%d", len(key), KeySize)
	}
	return key, nil
}

func LoadKey(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "key file")
	}
	key, err := ParseKey(b)
	return key, errors.Annotatef(err, "key file=%s", path)
}

func GenerateKey(rand io.Reader) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand, key); err != nil {
		return nil, errors.Annotate(err, "key generate")
	}
	return key, nil
}
