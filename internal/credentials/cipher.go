package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrEncryption wraps every seal/open failure.
var ErrEncryption = errors.New("credential encryption failure")

const (
	masterKeyLength = 32
	sealInfo        = "portalkombat/credential-seal/v1"
)

// Cipher seals and opens secrets at rest. aad binds the ciphertext to the
// row it belongs to so a sealed secret cannot be moved to another network.
type Cipher interface {
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// KeyfileCipher derives an XChaCha20-Poly1305 key from a master key file.
type KeyfileCipher struct {
	key []byte
}

// NewKeyfileCipher derives the sealing key from a 32-byte master key.
func NewKeyfileCipher(master []byte) (*KeyfileCipher, error) {
	if len(master) != masterKeyLength {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrEncryption, masterKeyLength, len(master))
	}
	h := hkdf.New(sha256.New, master, nil, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncryption, err)
	}
	return &KeyfileCipher{key: key}, nil
}

// LoadOrCreateKeyfile reads the master key at path, creating it (0600) if absent.
func LoadOrCreateKeyfile(path string) (*KeyfileCipher, error) {
	master, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		master = make([]byte, masterKeyLength)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, master, 0600); err != nil {
			return nil, fmt.Errorf("write master key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	return NewKeyfileCipher(master)
}

func (c *KeyfileCipher) Encrypt(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (c *KeyfileCipher) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrEncryption)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrEncryption, err)
	}
	return plain, nil
}
