package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	flagSnappy    byte = 1 << 0
	flagEncrypted byte = 1 << 1

	saltSize         = 32
	keySize          = 32
	pbkdf2Iterations = 100000
)

// ErrPassphraseRequired is returned when reading a sealed entry without a passphrase.
var ErrPassphraseRequired = errors.New("entry is encrypted but no passphrase is configured")

// Codec serializes entries as JSON, optionally snappy-compressed and sealed
// with AES-GCM. Plain entries are bare JSON; transformed ones start with a
// flag byte, so entries written under another configuration stay readable.
//
// Sealed layout: flags | salt (32) | nonce (12) | ciphertext.
type Codec struct {
	compress   bool
	passphrase string
	salt       []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewCodec builds a codec. An empty passphrase disables encryption.
func NewCodec(compress bool, passphrase string) (*Codec, error) {
	c := &Codec{compress: compress, passphrase: passphrase, aeads: make(map[string]cipher.AEAD)}
	if passphrase != "" {
		c.salt = make([]byte, saltSize)
		if _, err := rand.Read(c.salt); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// aead derives the key for salt once and caches it.
func (c *Codec) aead(salt []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.aeads[string(salt)]; ok {
		return a, nil
	}
	key := pbkdf2.Key([]byte(c.passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c.aeads[string(salt)] = gcm
	return gcm, nil
}

// Marshal encodes v.
func (c *Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var flags byte
	if c.compress {
		data = snappy.Encode(nil, data)
		flags |= flagSnappy
	}
	if c.passphrase != "" {
		gcm, err := c.aead(c.salt)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		flags |= flagEncrypted
		sealed := make([]byte, 0, 1+saltSize+len(nonce)+len(data)+gcm.Overhead())
		sealed = append(sealed, flags)
		sealed = append(sealed, c.salt...)
		sealed = append(sealed, nonce...)
		return gcm.Seal(sealed, nonce, data, nil), nil
	}
	if flags == 0 {
		return data, nil
	}
	return append([]byte{flags}, data...), nil
}

// Unmarshal decodes data into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty entry")
	}
	if data[0] == '{' {
		return json.Unmarshal(data, v)
	}

	flags, body := data[0], data[1:]
	if flags&^(flagSnappy|flagEncrypted) != 0 {
		return fmt.Errorf("unknown entry format 0x%02x", flags)
	}
	if flags&flagEncrypted != 0 {
		if c.passphrase == "" {
			return ErrPassphraseRequired
		}
		if len(body) < saltSize {
			return errors.New("sealed entry too short")
		}
		gcm, err := c.aead(body[:saltSize])
		if err != nil {
			return err
		}
		body = body[saltSize:]
		if len(body) < gcm.NonceSize() {
			return errors.New("sealed entry too short")
		}
		nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
		if body, err = gcm.Open(nil, nonce, ciphertext, nil); err != nil {
			return fmt.Errorf("failed to decrypt entry: %w", err)
		}
	}
	if flags&flagSnappy != 0 {
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return fmt.Errorf("failed to decompress entry: %w", err)
		}
	}
	return json.Unmarshal(body, v)
}
