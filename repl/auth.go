package repl

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ParseChunkServerAccess splits the whitespace-delimited "token key" pair
// carried in a Request (§6): both fields present or both absent. Grounded
// on the same two-token header-parsing shape as the metadata-server
// client's key manager.
func ParseChunkServerAccess(raw string) (token, key string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", nil
	}
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return "", "", ErrInvalidArgument("chunk-server-access must be \"token key\"")
	}
	return fields[0], fields[1], nil
}

// Authenticator validates a Request's credential material before a job is
// admitted (§6 "Inbound auth hook"). A nil Authenticator on Engine means
// auth is not enforced, matching deployments where the storage node
// trusts its transport layer.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) error
}

// jwksAuthenticator verifies the token half of ChunkServerAccess as a JWT
// signed by a key published in a remote JWKS document, refreshed on a
// timer. The key half is checked as a constant-time shared secret layered
// on top, matching the source's combined "bearer token + static key"
// credential (§6).
type jwksAuthenticator struct {
	cache      *jwk.Cache
	jwksURL    string
	sharedKey  []byte
	mu         sync.RWMutex
	expectAud  string
}

// NewJWKSAuthenticator starts background refresh of jwksURL and returns an
// Authenticator that checks both the bearer token (via JWKS) and the
// static key (via constant-time compare).
func NewJWKSAuthenticator(ctx context.Context, jwksURL string, sharedKey []byte, expectAudience string) (Authenticator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, ErrFault("registering JWKS cache failed: " + err.Error())
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, ErrHostUnreachable("initial JWKS fetch failed", err)
	}
	return &jwksAuthenticator{cache: cache, jwksURL: jwksURL, sharedKey: sharedKey, expectAud: expectAudience}, nil
}

func (a *jwksAuthenticator) Authenticate(ctx context.Context, req *Request) error {
	token, key, err := ParseChunkServerAccess(req.ChunkServerAccess)
	if err != nil {
		return err
	}
	if token == "" {
		if req.AllowClearText {
			return nil
		}
		return ErrInvalidArgument("missing chunk-server-access credentials")
	}

	a.mu.RLock()
	sharedKey := a.sharedKey
	a.mu.RUnlock()
	if subtle.ConstantTimeCompare([]byte(key), sharedKey) != 1 {
		return ErrInvalidArgument("chunk-server-access key mismatch")
	}

	keyset, err := a.cache.Get(ctx, a.jwksURL)
	if err != nil {
		return ErrHostUnreachable("JWKS fetch failed", err)
	}

	opts := []jwt.ParserOption{}
	if a.expectAud != "" {
		opts = append(opts, jwt.WithAudience(a.expectAud))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		k, ok := keyset.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		var raw any
		if err := k.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return ErrInvalidArgument("invalid chunk-server-access token: " + errString(err))
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SetSharedKey rotates the static key half of the credential, e.g. in
// response to an AuthParams.UpdateCounter bump (§6).
func (a *jwksAuthenticator) SetSharedKey(key []byte) {
	a.mu.Lock()
	a.sharedKey = key
	a.mu.Unlock()
}
