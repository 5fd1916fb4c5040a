package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

var errEmptyPassword = errors.New("password is empty")

// HashPassword returns the bcrypt hash stored for an account.
func HashPassword(password string) (string, error) {
	switch {
	case password == "":
		return "", errEmptyPassword
	case len(password) > maxPasswordBytes:
		return "", fmt.Errorf("password exceeds %d bytes", maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash. Any
// mismatch, including an account without a hash, is an error.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("account has no password hash")
	}
	if password == "" {
		return errEmptyPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
