package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultKeyTTL bounds how often the signing keys are refetched.
const DefaultKeyTTL = time.Hour

var ErrUnknownKey = errors.New("kid not found in jwks")

// KeySet is an immutable snapshot of the provider's signing keys.
type KeySet struct {
	Keys      map[string]*rsa.PublicKey
	FetchedAt time.Time
}

func (s *KeySet) fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && len(s.Keys) > 0 && now.Sub(s.FetchedAt) < ttl
}

// KeyCache serves the current KeySet to concurrent readers without
// locking. Refreshes are serialized; a second refresh racing the first
// overwrites it with an equivalent snapshot.
type KeyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	snap atomic.Pointer[KeySet]
	mu   sync.Mutex
}

func NewKeyCache(jwksURL string, ttl time.Duration, client *http.Client) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KeyCache{url: strings.TrimSpace(jwksURL), ttl: ttl, client: client, now: time.Now}
}

// Snapshot returns the last fetched set, possibly nil or stale.
func (c *KeyCache) Snapshot() *KeySet { return c.snap.Load() }

func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	snap := c.snap.Load()
	if !snap.fresh(c.now(), c.ttl) {
		var err error
		if snap, err = c.refresh(ctx); err != nil {
			return nil, err
		}
	}
	key, ok := snap.Keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

func (c *KeyCache) refresh(ctx context.Context) (*KeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap := c.snap.Load(); snap.fresh(c.now(), c.ttl) {
		return snap, nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		// A stale snapshot is still better than none while the provider is down.
		if old := c.snap.Load(); old != nil && len(old.Keys) > 0 {
			return old, nil
		}
		return nil, err
	}
	next := &KeySet{Keys: keys, FetchedAt: c.now()}
	c.snap.Store(next)
	return next, nil
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *KeyCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return parseJWKs(payload.Keys)
}

// parseJWKs keeps RSA signing keys only; encryption keys share the endpoint
// on Keycloak.
func parseJWKs(keys []jwk) (map[string]*rsa.PublicKey, error) {
	next := map[string]*rsa.PublicKey{}
	for _, k := range keys {
		if !strings.EqualFold(k.Kty, "RSA") || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return nil, errors.New("jwks has no valid rsa signing keys")
	}
	return next, nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(nb) == 0 || len(eb) == 0 {
		return nil, errors.New("invalid rsa key")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
