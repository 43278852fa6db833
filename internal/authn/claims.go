// Package authn implements the JWT validator (C3): structural pre-check,
// ES256 signature verification via the C2 JWKS manager, per-endpoint claim
// validation, and the length-prefixed jti replay guard.
package authn

// EndpointClass selects the claim-validation profile for a route, per
// spec §4.3.
type EndpointClass string

const (
	ClassInvoke EndpointClass = "invoke"
	ClassAdmin  EndpointClass = "admin"
	ClassS2S    EndpointClass = "s2s"
)

// RequiredAudience returns the fixed audience string an EndpointClass
// demands.
func (c EndpointClass) RequiredAudience() string {
	switch c {
	case ClassInvoke:
		return "loa-finn"
	case ClassAdmin:
		return "loa-finn-admin"
	case ClassS2S:
		return "arrakis"
	default:
		return ""
	}
}

// Claims mirrors the wire claim shape from spec §6. Unknown claims are
// tolerated by construction — we only decode the fields we validate or
// propagate.
type Claims struct {
	Issuer      string   `json:"iss"`
	Audience    string   `json:"aud"`
	Subject     string   `json:"sub"`
	Expiry      int64    `json:"exp"`
	NotBefore   int64    `json:"nbf,omitempty"`
	IssuedAt    int64    `json:"iat"`
	JTI         string   `json:"jti,omitempty"`
	TenantID    string   `json:"tenant_id"`
	Tier        string   `json:"tier"`
	ReqHash     string   `json:"req_hash,omitempty"`
	NFTID       string   `json:"nft_id,omitempty"`
	BYOK        bool     `json:"byok,omitempty"`
	PoolID      string   `json:"pool_id,omitempty"`
	AllowedPools []string `json:"allowed_pools,omitempty"`
}

// TenantContext is the validated, request-scoped identity extracted from
// a JWT, per spec §3.
type TenantContext struct {
	Subject  string
	TenantID string
	Tier     string
	Issuer   string
	NFTID    string
	PoolID   string
}

var validTiers = map[string]bool{"free": true, "basic": true, "pro": true, "enterprise": true}

func isValidTier(t string) bool { return validTiers[t] }

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid"`
}
