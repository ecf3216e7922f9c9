// Package secret generates the values handed to users for verification.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"math/big"

	dErrors "proz/pkg/domain-errors"
)

// TokenBytes is the raw entropy behind every opaque token (256 bits).
const TokenBytes = 32

// Generator draws from a cryptographic entropy source.
type Generator struct {
	entropy io.Reader
}

type Option func(*Generator)

// WithEntropy replaces crypto/rand.Reader. Tests use it to force failures.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		g.entropy = r
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{entropy: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateCode returns length uniformly random decimal digits. Leading zeros
// are kept, so the result is always exactly length characters.
func (g *Generator) GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "code length must be positive")
	}
	ten := big.NewInt(10)
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(g.entropy, ten)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "entropy source unavailable")
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// GenerateToken returns TokenBytes of entropy encoded as unpadded base64url.
func (g *Generator) GenerateToken() (string, error) {
	raw := make([]byte, TokenBytes)
	if _, err := io.ReadFull(g.entropy, raw); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "entropy source unavailable")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
