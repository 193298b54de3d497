// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package cipher seals sensitive audit payload fields at rest.
//
// Encryption Algorithm:
//   - AES-256-GCM (authenticated encryption)
//   - 12-byte random nonce per seal
//   - Key derived from the configured secret using HKDF-SHA256
//
// A sealed field is stored as a JSON string "enc:v1:<base64(nonce||ciphertext)>",
// so the column stays valid JSON whether or not it is encrypted.
//
// Without a secret the cipher is a pass-through: Encrypt and Decrypt return
// their input. With a secret, failures are logged and the input is returned
// unchanged; callers never see an error from the fail-open methods.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/hkdf"

	"github.com/tomtom215/shelfwatch/internal/logging"
)

const (
	// keySalt binds derived keys to audit field encryption.
	keySalt = "shelfwatch-audit-fields"
	keyInfo = "audit-field-encryption-v1"

	aesKeySize   = 32
	gcmNonceSize = 12

	// SealedPrefix marks a sealed payload inside its JSON string.
	SealedPrefix = "enc:v1:"
)

var (
	// ErrDisabled is returned by Seal and Open when no secret is configured.
	ErrDisabled = errors.New("field cipher has no key configured")

	// ErrInvalidCiphertext is returned when a sealed token cannot be decoded.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or authentication tag")
)

// FieldCipher encrypts JSON payload fields. A nil *FieldCipher is valid and
// behaves as a pass-through.
type FieldCipher struct {
	aead gocipher.AEAD
}

// New derives an AES-256 key from secret. An empty secret yields a
// pass-through cipher and no error.
func New(secret string) (*FieldCipher, error) {
	if secret == "" {
		return &FieldCipher{}, nil
	}

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &FieldCipher{aead: gcm}, nil
}

// Enabled reports whether a key is configured.
func (c *FieldCipher) Enabled() bool {
	return c != nil && c.aead != nil
}

// Seal encrypts plaintext and returns the prefixed token.
func (c *FieldCipher) Seal(plaintext []byte) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *FieldCipher) Open(token string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	encoded, ok := strings.CutPrefix(token, SealedPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidCiphertext, SealedPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed: %s", ErrInvalidCiphertext, err.Error())
	}
	if len(data) < gcmNonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}
	plaintext, err := c.aead.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt seals a JSON value into a JSON string. Empty input and a disabled
// cipher return data unchanged; on failure the plaintext is returned and the
// failure is logged.
func (c *FieldCipher) Encrypt(data json.RawMessage) json.RawMessage {
	if !c.Enabled() || len(data) == 0 {
		return data
	}
	token, err := c.Seal(data)
	if err != nil {
		logging.Warn().Err(err).Msg("Field encryption failed, storing plaintext")
		return data
	}
	out, err := json.Marshal(token)
	if err != nil {
		logging.Warn().Err(err).Msg("Field encryption failed, storing plaintext")
		return data
	}
	return out
}

// Decrypt reverses Encrypt. Values that are not sealed tokens are returned
// unchanged, as is everything when the cipher is disabled.
func (c *FieldCipher) Decrypt(data json.RawMessage) json.RawMessage {
	if !c.Enabled() || !IsSealed(data) {
		return data
	}
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		logging.Warn().Err(err).Msg("Field decryption failed, returning stored value")
		return data
	}
	plaintext, err := c.Open(token)
	if err != nil {
		logging.Warn().Err(err).Msg("Field decryption failed, returning stored value")
		return data
	}
	return plaintext
}

// IsSealed reports whether data is a JSON string holding a sealed token.
func IsSealed(data json.RawMessage) bool {
	return len(data) > len(SealedPrefix)+2 && data[0] == '"' &&
		strings.HasPrefix(string(data[1:]), SealedPrefix)
}
