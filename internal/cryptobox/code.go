package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// CodeLength is the number of digits in a session code.
const CodeLength = 6

// ErrInvalidCode is returned when a session code is not exactly six digits.
var ErrInvalidCode = errors.New("session code must be 6 digits")

// GenerateCode returns a random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// ValidateCode checks the code format without touching the key.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}
