package secret

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "proz/pkg/domain-errors"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateCode(t *testing.T) {
	g := New()

	t.Run("fixed length digits", func(t *testing.T) {
		for _, n := range []int{4, 6, 8} {
			code, err := g.GenerateCode(n)
			require.NoError(t, err)
			assert.Len(t, code, n)
			assert.Empty(t, strings.Trim(code, "0123456789"))
		}
	})

	t.Run("every digit appears", func(t *testing.T) {
		seen := make(map[rune]bool)
		for range 200 {
			code, err := g.GenerateCode(6)
			require.NoError(t, err)
			for _, r := range code {
				seen[r] = true
			}
		}
		assert.Len(t, seen, 10)
	})

	t.Run("rejects non-positive length", func(t *testing.T) {
		_, err := g.GenerateCode(0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("entropy failure", func(t *testing.T) {
		_, err := New(WithEntropy(brokenReader{})).GenerateCode(6)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func TestGenerateToken(t *testing.T) {
	g := New()

	tok, err := g.GenerateToken()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, TokenBytes)

	other, err := g.GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	_, err = New(WithEntropy(brokenReader{})).GenerateToken()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	assert.Equal(t, "entropy source unavailable", err.Error())
}
