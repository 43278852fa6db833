package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"
)

// HTTPFetcher fetches a JWKS document over HTTP and parses it with
// go-jose, rejecting any key whose algorithm is not ES256 — this
// service only ever trusts P-256 keys, per spec §4.3.
type HTTPFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (f *HTTPFetcher) FetchKeys() (map[string]*ecdsa.PublicKey, error) {
	resp, err := f.Client.Get(f.URL)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}

	var set josejwk.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks decode: %w", err)
	}

	out := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Algorithm != "" && k.Algorithm != string(josejwk.ES256) {
			continue
		}
		pub, ok := k.Key.(*ecdsa.PublicKey)
		if !ok || k.KeyID == "" || pub.Curve != elliptic.P256() {
			continue
		}
		out[k.KeyID] = pub
	}
	return out, nil
}

// StaticFetcher serves a fixed key set, or Err when it is set.
type StaticFetcher struct {
	Keys map[string]*ecdsa.PublicKey
	Err  error
}

func (f *StaticFetcher) FetchKeys() (map[string]*ecdsa.PublicKey, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Keys, nil
}
