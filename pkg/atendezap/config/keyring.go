// Package config – keyring.go resolves the LLM API key through the OS
// keyring (Linux: Secret Service/GNOME Keyring, macOS: Keychain,
// Windows: Credential Manager).
//
// Priority for resolving the key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (ATENDEZAP_API_KEY, then OPENAI_API_KEY)
//  3. .env file (loaded by godotenv before env lookup)
//  4. config.yaml value (least secure, plaintext on disk)
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "atendezap"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreAPIKey saves the LLM API key to the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteAPIKey removes the LLM API key from the OS keyring.
func DeleteAPIKey() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__atendezap_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// resolveAPIKey walks the resolution chain, falling back to the value
// from config.yaml.
func resolveAPIKey(configValue string) string {
	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		return val
	}
	if val := os.Getenv("ATENDEZAP_API_KEY"); val != "" {
		return val
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		return val
	}
	return configValue
}
