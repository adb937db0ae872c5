package account

import (
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

var pinShape = regexp.MustCompile(`^\d{4}$`)

// HashPin hashes a 4-digit PIN with bcrypt. The plaintext is never
// stored anywhere once this returns.
func HashPin(pin string) (string, error) {
	if !pinShape.MatchString(pin) {
		return "", fmt.Errorf("pin must be exactly 4 digits")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func pinMatches(hash, pin string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
