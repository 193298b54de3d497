// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

package config

import (
	"fmt"
	"strings"

	"github.com/tomtom215/shelfwatch/internal/validation"
)

// minEncryptionKeyLength is the shortest accepted AUDIT_ENCRYPTION_KEY.
const minEncryptionKeyLength = 16

// placeholderPatterns indicate a key copied from an example file.
var placeholderPatterns = []string{
	"REPLACE",
	"CHANGEME",
	"CHANGE_ME",
	"YOUR_SECRET",
	"PLACEHOLDER",
	"EXAMPLE",
}

// Validate checks struct rules and the encryption key.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	return c.validateEncryptionKey()
}

func (c *Config) validateEncryptionKey() error {
	key := c.Encryption.Key
	if key == "" {
		return nil
	}
	if len(key) < minEncryptionKeyLength {
		return fmt.Errorf("AUDIT_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLength)
	}
	if containsPlaceholder(key) {
		return fmt.Errorf("AUDIT_ENCRYPTION_KEY contains a placeholder value")
	}
	return nil
}

// EncryptionEnabled reports whether sensitive fields will be encrypted.
func (c *Config) EncryptionEnabled() bool {
	return c.Encryption.Key != ""
}

func containsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	for _, p := range placeholderPatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}
