package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"

	"golang.org/x/crypto/argon2"
)

const keyPrefix = "dk_"

var plaintextPattern = regexp.MustCompile(`^dk_[0-9a-f]{16}\.[A-Za-z0-9_-]{43}$`)

// GenerateResult is returned once, at creation time — the plaintext
// secret is never stored or logged again after this point.
type GenerateResult struct {
	KeyID     string
	Plaintext string
}

// Generate produces a new key pair using a cryptographically secure
// random source, per spec §4.5: keyId is 16 hex chars, secret is 43
// base64url chars.
func Generate() (*GenerateResult, error) {
	keyIDBytes := make([]byte, 8)
	if _, err := rand.Read(keyIDBytes); err != nil {
		return nil, fmt.Errorf("apikey: generate key id: %w", err)
	}
	keyID := hex.EncodeToString(keyIDBytes)

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("apikey: generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	return &GenerateResult{
		KeyID:     keyID,
		Plaintext: fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret),
	}, nil
}

// ParsePlaintext validates the dk_<keyId>.<secret> shape and splits it.
func ParsePlaintext(plaintext string) (keyID, secret string, ok bool) {
	if !plaintextPattern.MatchString(plaintext) {
		return "", "", false
	}
	rest := plaintext[len(keyPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// LookupHash computes the deterministic HMAC-SHA256(pepper, plaintext)
// used to index the persistent store in constant time.
func LookupHash(pepper, plaintext string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Argon2Params configures the verifier hash's cost parameters.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32}
}

// VerifierHash derives an argon2id hash of the secret half of the
// plaintext key, encoding the salt alongside the derived key so
// VerifySecret is self-contained.
func VerifierHash(secret string, params Argon2Params) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("apikey: generate salt: %w", err)
	}
	derived := argon2.IDKey([]byte(secret), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return fmt.Sprintf("%s$%s", hex.EncodeToString(salt), hex.EncodeToString(derived)), nil
}

// VerifySecret recomputes the argon2id hash with the stored salt and
// compares in constant time.
func VerifySecret(secret, storedHash string, params Argon2Params) bool {
	sep := -1
	for i := 0; i < len(storedHash); i++ {
		if storedHash[i] == '$' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return false
	}
	saltHex := storedHash[:sep]
	derivedHex := storedHash[sep+1:]

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(derivedHex)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}
