package secret

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/bastille-sh/bastille/pkg/types"
)

const (
	// OpaqueLength is the generated length of opaque secrets.
	OpaqueLength = 32

	// PasswordLength is the generated length of password credentials.
	PasswordLength = 24
)

const (
	alphaLower = "abcdefghijklmnopqrstuvwxyz"
	alphaUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits     = "0123456789"
	symbols    = "!@#%^*-_=+"
	alnum      = alphaLower + alphaUpper + digits
	passwordAB = alnum + symbols
)

// Generate produces secret content for the declared type. Opaque
// secrets are random alphanumeric strings; password credentials
// additionally satisfy the platform password policy (at least one
// lower, upper, digit, and symbol).
func Generate(secretType types.SecretType) ([]byte, error) {
	switch secretType {
	case types.SecretTypeOpaque:
		return randomString(alnum, OpaqueLength)
	case types.SecretTypePassword:
		return generatePassword()
	default:
		return nil, fmt.Errorf("unknown secret type %q", secretType)
	}
}

func randomString(alphabet string, length int) ([]byte, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("failed to read random source: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return out, nil
}

// generatePassword retries until the sample satisfies the policy.
// Failure probability per attempt is low enough that the loop
// terminates almost immediately.
func generatePassword() ([]byte, error) {
	for {
		candidate, err := randomString(passwordAB, PasswordLength)
		if err != nil {
			return nil, err
		}
		if satisfiesPolicy(candidate) {
			return candidate, nil
		}
	}
}

func satisfiesPolicy(candidate []byte) bool {
	var lower, upper, digit, symbol bool
	for _, c := range candidate {
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			symbol = true
		}
	}
	return lower && upper && digit && symbol
}
