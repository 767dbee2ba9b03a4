package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "server.pub"
	PrivateKeyFile = "server.priv"
)

// Signer signs ledger records with an ed25519 key pair.
type Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return &Signer{pub: pub, priv: priv}, nil
}

// NewEphemeralSigner generates a fresh in-memory key pair.
func NewEphemeralSigner() (*Signer, error) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Signer{pub: pub, priv: priv}, nil
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// PublicKeyHex is the hex-encoded public key stored next to signatures.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes both keys as hex files.
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubPath, privPath string) error {
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0600)
}

func readHexKey(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("%s: invalid key size %d", path, len(key))
	}
	return key, nil
}

// LoadPrivateKey loads a hex-encoded ed25519 private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	key, err := readHexKey(path, ed25519.PrivateKeySize)
	return ed25519.PrivateKey(key), err
}

// LoadPublicKey loads a hex-encoded ed25519 public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	key, err := readHexKey(path, ed25519.PublicKeySize)
	return ed25519.PublicKey(key), err
}

// EnsureKeyPair loads the key pair from dir, generating and saving one
// when it does not exist yet. created reports the latter.
func EnsureKeyPair(dir string) (s *Signer, created bool, err error) {
	pubPath := filepath.Join(dir, PublicKeyFile)
	privPath := filepath.Join(dir, PrivateKeyFile)

	if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, false, err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, err
		}
		if err := SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
			return nil, false, err
		}
		s, err := NewSigner(pub, priv)
		return s, true, err
	}

	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, false, err
	}
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, false, err
	}
	s, err = NewSigner(pub, priv)
	return s, false, err
}

// VerifySignatureFromHex verifies a hex signature with a hex public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
