// Package credential encrypts secret settings such as API keys before they
// are written to the settings database. Values are sealed with AES-256-GCM
// under a key derived from the machine and user, so a copied database is
// useless elsewhere.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// EncryptedPrefix marks values as encrypted in storage.
const EncryptedPrefix = "enc:v1:"

// secretSuffix marks setting keys whose values are sealed.
const secretSuffix = ".api_key"

const salt = "wintermute-settings-v1"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// Manager seals and opens secret values.
type Manager struct {
	aead cipher.AEAD
}

// NewManager creates a manager keyed to this machine and user.
func NewManager() (*Manager, error) {
	return NewManagerWithKey(machineKey())
}

// NewManagerWithKey creates a manager from raw key material of any length.
func NewManagerWithKey(material []byte) (*Manager, error) {
	key := sha256.Sum256(material)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// Encrypt seals plaintext. The empty string stays empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// returned unchanged so settings saved before encryption still load.
func (m *Manager) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	n := m.aead.NonceSize()
	if len(sealed) < n {
		return "", ErrInvalidFormat
	}
	plaintext, err := m.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a value is already encrypted.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// IsSecretKey reports whether a setting key holds a secret.
func IsSecretKey(key string) bool {
	return strings.HasSuffix(key, secretSuffix)
}

// machineKey gathers identifiers that are stable for this user on this
// machine.
func machineKey() []byte {
	var b strings.Builder

	hostname, _ := os.Hostname()
	b.WriteString(hostname)
	home, _ := os.UserHomeDir()
	b.WriteString(home)
	b.WriteString(runtime.GOOS)
	b.WriteString(runtime.GOARCH)
	b.WriteString(salt)

	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&b, "uid:%d", uid)
	}
	if username := os.Getenv("USER"); username != "" {
		b.WriteString(username)
	}
	return []byte(b.String())
}

// Mask hides a secret for display, keeping the first and last 4 characters
// of long values.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
