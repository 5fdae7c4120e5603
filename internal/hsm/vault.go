package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SecretVault seals merchant secrets at rest and signs outgoing payloads.
type SecretVault interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
	Sign(secret, payload []byte) string
	Verify(secret, payload []byte, signature string) bool
}

// Config holds vault configuration
type Config struct {
	MasterKey   string
	Salt        []byte // Optional: if nil, will be generated
	AuditLogger *AuditLogger
}

// Vault implements SecretVault with an argon2-derived AES-256-GCM key.
type Vault struct {
	masterKey   []byte
	auditLogger *AuditLogger
}

// InitVault derives the master key and returns a ready vault.
func InitVault(config Config) (*Vault, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	audit := config.AuditLogger
	if audit == nil {
		audit = NewAuditLogger()
	}

	v := &Vault{
		masterKey:   deriveKey(config.MasterKey, string(salt), 32),
		auditLogger: audit,
	}
	v.auditLogger.LogOperation("VAULT_INIT", "system", "VAULT_INIT", "vault initialized")
	return v, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext []byte) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}

	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Sign returns the hex HMAC-SHA512 of payload under secret.
func (v *Vault) Sign(secret, payload []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Vault) Verify(secret, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}
