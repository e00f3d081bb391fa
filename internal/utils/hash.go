package utils

import "golang.org/x/crypto/bcrypt"

// HashKey returns a bcrypt hash of an operator key, suitable for OPERATOR_KEY_HASH.
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckKey compares a bcrypt hash with a presented key.
func CheckKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
