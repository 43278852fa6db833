package authn

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/jwks"
	"github.com/loa-finn/gateway/internal/store"
)

// KeyResolver is the subset of *jwks.Manager the validator needs — kept
// as an interface so tests can substitute a canned key set.
type KeyResolver interface {
	ResolveKey(kid string) (*ecdsa.PublicKey, error)
}

// Config carries the claim-validation thresholds named in spec §4.3.
type Config struct {
	IssuerAllowlist []string
	ClockSkew       time.Duration
	ReplayTTL       time.Duration
	S2SMaxLife      time.Duration
}

// Validator implements C3 over a KeyResolver (C2) and a Store (C1, for
// the jti replay guard).
type Validator struct {
	keys  KeyResolver
	store store.Store
	cfg   Config
}

func New(keys KeyResolver, st store.Store, cfg Config) *Validator {
	return &Validator{keys: keys, store: st, cfg: cfg}
}

// Validate runs the full C3 pipeline: structural pre-check, signature
// verification, claim validation, replay guard. Rejection at the
// structural layer never reaches signature-verification code — this is
// the hard-wiring that defeats alg:none / algorithm-confusion attacks.
func (v *Validator) Validate(ctx context.Context, token string, class EndpointClass) (*TenantContext, error) {
	header, err := structuralPreCheck(token)
	if err != nil {
		return nil, err
	}

	pub, err := v.keys.ResolveKey(header.Kid)
	if err != nil {
		return nil, err
	}

	claims, err := verifyAndDecode(token, pub)
	if err != nil {
		return nil, err
	}

	if err := v.validateClaims(claims, class); err != nil {
		return nil, err
	}

	if err := v.checkReplay(ctx, claims); err != nil {
		return nil, err
	}

	return &TenantContext{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Tier:     claims.Tier,
		Issuer:   claims.Issuer,
		NFTID:    claims.NFTID,
		PoolID:   claims.PoolID,
	}, nil
}

// structuralPreCheck rejects everything that isn't three base64url
// segments with a header naming alg=ES256 and a non-empty kid, per
// spec §4.3. This runs before any cryptographic work.
func structuralPreCheck(token string) (*jwtHeader, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errs.New(errs.KindStructuralInvalid, "token is not three segments")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errs.Wrap(errs.KindStructuralInvalid, "header is not valid base64url", err)
	}

	var hdr jwtHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, errs.Wrap(errs.KindStructuralInvalid, "header is not a JSON object", err)
	}

	if hdr.Alg != "ES256" {
		return nil, errs.New(errs.KindStructuralInvalid, fmt.Sprintf("alg %q is not permitted", hdr.Alg))
	}
	if hdr.Kid == "" {
		return nil, errs.New(errs.KindStructuralInvalid, "kid is required")
	}
	return &hdr, nil
}

// verifyAndDecode checks the ES256 signature via go-jose and decodes the
// payload into Claims.
func verifyAndDecode(token string, pub *ecdsa.PublicKey) (*Claims, error) {
	sig, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, errs.Wrap(errs.KindJWTInvalid, "malformed JWS", err)
	}

	payload, err := sig.Verify(pub)
	if err != nil {
		return nil, errs.Wrap(errs.KindJWTInvalid, "signature verification failed", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errs.Wrap(errs.KindJWTInvalid, "claims are not valid JSON", err)
	}
	return &claims, nil
}

func (v *Validator) validateClaims(c *Claims, class EndpointClass) error {
	if !issuerAllowed(c.Issuer, v.cfg.IssuerAllowlist) {
		return errs.New(errs.KindIssuerNotAllowed, "issuer not in allowlist")
	}

	wantAud := class.RequiredAudience()
	if wantAud != "" && c.Audience != wantAud {
		return errs.New(errs.KindAudienceMismatch, fmt.Sprintf("expected audience %q", wantAud))
	}

	now := time.Now()
	skew := v.cfg.ClockSkew
	if c.Expiry != 0 && now.After(time.Unix(c.Expiry, 0).Add(skew)) {
		return errs.New(errs.KindJWTInvalid, "token expired")
	}
	if c.NotBefore != 0 && now.Before(time.Unix(c.NotBefore, 0).Add(-skew)) {
		return errs.New(errs.KindJWTInvalid, "token not yet valid")
	}

	switch class {
	case ClassInvoke, ClassAdmin:
		if c.JTI == "" {
			return errs.New(errs.KindJTIRequired, "jti is required for this endpoint class")
		}
	case ClassS2S:
		if c.JTI == "" {
			lifetime := time.Duration(c.Expiry-c.IssuedAt) * time.Second
			if lifetime > v.cfg.S2SMaxLife {
				return errs.New(errs.KindJTIRequired, "s2s token without jti must have exp-iat <= max life")
			}
		}
	}

	if c.TenantID == "" {
		return errs.New(errs.KindJWTInvalid, "tenant_id is required")
	}
	if !isValidTier(c.Tier) {
		return errs.New(errs.KindJWTInvalid, "tier is not one of the recognized values")
	}
	if class == ClassInvoke && c.ReqHash == "" {
		return errs.New(errs.KindJWTInvalid, "req_hash is required for invoke endpoints")
	}
	return nil
}

func issuerAllowed(iss string, allowlist []string) bool {
	for _, a := range allowlist {
		if a == iss {
			return true
		}
	}
	return false
}

// checkReplay enforces the length-prefixed jti replay guard from spec
// §4.3: the key is namespaced as jti:LEN(iss):iss:jti so that issuer and
// jti strings cannot be made to collide across the separator.
func (v *Validator) checkReplay(ctx context.Context, c *Claims) error {
	if c.JTI == "" {
		return nil
	}
	key := replayKey(c.Issuer, c.JTI)

	ok, err := v.store.SetNX(ctx, key, []byte("1"), v.cfg.ReplayTTL)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to record jti", err)
	}
	if !ok {
		return errs.New(errs.KindJTIReplayDetected, "jti already presented")
	}
	return nil
}

// replayKey builds the "jti:LEN(iss):iss:jti" namespace key. The decimal
// byte length of iss is mandatory: without it iss="evil", jti="fake:victim"
// and iss="evil:fake", jti="victim" would collide.
func replayKey(iss, jti string) string {
	return fmt.Sprintf("jti:%d:%s:%s", len(iss), iss, jti)
}
