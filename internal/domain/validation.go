package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

const cardNumberDigits = 16

// ValidateCurrencyCode validates that a currency code follows ISO 4217 format.
func ValidateCurrencyCode(code string) error {
	if code == "" {
		return fmt.Errorf("currency code cannot be empty")
	}

	if len(code) != 3 {
		return fmt.Errorf("currency code must be 3 characters (ISO 4217)")
	}

	// Check if all characters are uppercase letters
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("currency code must contain only uppercase letters")
		}
	}

	return nil
}

// ValidateCardNumber accepts 16 digits, optionally grouped by spaces or dashes.
func ValidateCardNumber(cardNumber string) error {
	clean := strings.NewReplacer(" ", "", "-", "").Replace(cardNumber)
	if len(clean) != cardNumberDigits {
		return fmt.Errorf("card number must have %d digits", cardNumberDigits)
	}
	for _, c := range clean {
		if c < '0' || c > '9' {
			return fmt.Errorf("card number must contain only digits")
		}
	}
	return nil
}

// GenerateCardNumber returns a random card number formatted as "XXXX XXXX XXXX XXXX".
func GenerateCardNumber() (string, error) {
	var b strings.Builder
	for i := 0; i < cardNumberDigits; i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate card number: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// MaskCardNumber hides all but the last four digits.
func MaskCardNumber(cardNumber string) string {
	clean := strings.NewReplacer(" ", "", "-", "").Replace(cardNumber)
	if len(clean) < 4 {
		return "****"
	}
	return "**** **** **** " + clean[len(clean)-4:]
}

// HashRequest returns the hex SHA-256 of the request encoded as JSON with
// sorted keys, so equal requests always hash equally.
func HashRequest(request map[string]string) string {
	// encoding/json sorts map keys
	payload, _ := json.Marshal(request)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
