package proxy

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Share ids double as DNS labels: a fixed prefix plus lowercase alphanumerics.
const (
	ShareIDPrefix  = "mcc"
	shareIDRandLen = 19
	shareIDChars   = "abcdefghijklmnopqrstuvwxyz0123456789"

	passcodeMin   = 100000
	passcodeSpace = 900000
)

// NewShareID returns a random share id such as "mcc0k3x...".
func NewShareID() (string, error) {
	var b strings.Builder
	b.Grow(len(ShareIDPrefix) + shareIDRandLen)
	b.WriteString(ShareIDPrefix)
	max := big.NewInt(int64(len(shareIDChars)))
	for i := 0; i < shareIDRandLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate share id: %w", err)
		}
		b.WriteByte(shareIDChars[n.Int64()])
	}
	return b.String(), nil
}

// NewPasscode returns a uniformly drawn six-digit numeric passcode.
func NewPasscode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(passcodeSpace))
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+passcodeMin), nil
}

// ValidShareID reports whether id has the generated shape.
func ValidShareID(id string) bool {
	if len(id) != len(ShareIDPrefix)+shareIDRandLen || !strings.HasPrefix(id, ShareIDPrefix) {
		return false
	}
	for i := len(ShareIDPrefix); i < len(id); i++ {
		if strings.IndexByte(shareIDChars, id[i]) < 0 {
			return false
		}
	}
	return true
}
