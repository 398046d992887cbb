package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyBytes = 32

// GenerateAPIKey returns a random hex API key and its bcrypt hash.
// Only the hash belongs in configuration.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = hex.EncodeToString(buf)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey bcrypt-hashes key with the default cost.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// CheckAPIKey reports whether key matches the bcrypt hash.
func CheckAPIKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
