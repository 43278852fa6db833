package apikey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateRoundTripsThroughParsePlaintext(t *testing.T) {
	gen, err := Generate()
	require.NoError(t, err)
	require.Regexp(t, `^dk_[0-9a-f]{16}\.[A-Za-z0-9_-]{43}$`, gen.Plaintext)

	keyID, secret, ok := ParsePlaintext(gen.Plaintext)
	require.True(t, ok)
	require.Equal(t, gen.KeyID, keyID)
	require.NotEmpty(t, secret)
}

func TestParsePlaintextRejectsMalformedShapes(t *testing.T) {
	for _, bad := range []string{"", "dk_short.secret", "not-a-key-at-all", "dk_0123456789abcdef", "sk_0123456789abcdef.aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		_, _, ok := ParsePlaintext(bad)
		require.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestLookupHashIsDeterministicAndPepperSensitive(t *testing.T) {
	a := LookupHash("pepper-1", "dk_abc.def")
	b := LookupHash("pepper-1", "dk_abc.def")
	require.Equal(t, a, b)

	c := LookupHash("pepper-2", "dk_abc.def")
	require.NotEqual(t, a, c)
}

func TestVerifierHashRoundTrip(t *testing.T) {
	params := DefaultArgon2Params()
	hash, err := VerifierHash("my-secret", params)
	require.NoError(t, err)

	require.True(t, VerifySecret("my-secret", hash, params))
	require.False(t, VerifySecret("wrong-secret", hash, params))
}

func TestVerifySecretRejectsMalformedStoredHash(t *testing.T) {
	require.False(t, VerifySecret("x", "no-separator-here", DefaultArgon2Params()))
}
