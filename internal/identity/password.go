package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// legacyHashLen is the width of the hex SHA-256 column in the plant directory.
const legacyHashLen = 50

var errPasswordMismatch = errors.New("password mismatch")

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// LegacyHash renders a password in the plant directory's truncated SHA-256 form.
func LegacyHash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])[:legacyHashLen]
}

// CheckPassword compares plaintext password with a stored bcrypt or legacy hash.
func CheckPassword(hash, password string) error {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return errors.New("password hash is empty")
	}
	if isBcrypt(hash) {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	}
	got := LegacyHash(password)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(hash)), []byte(got)) != 1 {
		return errPasswordMismatch
	}
	return nil
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
