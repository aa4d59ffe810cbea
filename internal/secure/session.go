// Package secure implements the optional per-connection encryption session:
// an X25519 key agreement carried in the hello exchange, followed by
// ChaCha20-Poly1305 sealing of message frame bodies.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrSessionNotEstablished is returned by Seal/Open before key agreement.
var ErrSessionNotEstablished = errors.New("encryption session not established")

// sessionInfo is the HKDF context string binding derived keys to this
// protocol.
const sessionInfo = "agentmesh/session/v1"

// KeyPair is an ephemeral X25519 key pair generated per connection.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	public  [curve25519.PointSize]byte
}

// NewKeyPair generates an ephemeral key pair.
func NewKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey returns the base64 form of the public key, as carried in the
// hello / hello_ack metadata.
func (kp *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}

// Session seals and opens frame bodies once both sides have exchanged
// public keys. Both directions use the same derived key; nonces are random
// and prefixed to the ciphertext.
type Session struct {
	aead cipher.AEAD
}

// Establish performs the X25519 agreement with the remote public key and
// derives the AEAD key via HKDF-SHA256.
func Establish(kp *KeyPair, remotePublic string) (*Session, error) {
	remote, err := base64.StdEncoding.DecodeString(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("decode remote public key: %w", err)
	}
	if len(remote) != curve25519.PointSize {
		return nil, fmt.Errorf("remote public key is %d bytes, want %d", len(remote), curve25519.PointSize)
	}

	shared, err := curve25519.X25519(kp.private[:], remote)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(sessionInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Session{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Session) Seal(plaintext []byte) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrSessionNotEstablished
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal on the peer side.
func (s *Session) Open(encoded string) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, ErrSessionNotEstablished
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed body: %w", err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("sealed body too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed body: %w", err)
	}
	return plaintext, nil
}
