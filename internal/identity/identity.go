package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/InsulaLabs/snipcast/models"
)

// CredentialScheme is the bearer prefix the transport convention uses.
// "Authorization: JWT <token>".
const CredentialScheme = "JWT "

var DefaultCacheTTL = 1 * time.Minute

// ErrCredentialInvalid is returned when a credential matched the scheme but
// failed verification (expired, malformed body, signature mismatch). It is
// surfaced to the requesting operation, never silently downgraded to
// anonymous.
var ErrCredentialInvalid = errors.New("credential invalid")

// Verifier is the external credential-verification collaborator. Given a
// bare token it deterministically returns the embedded identity and the
// token's expiry (zero when the token carries none), or a verification
// failure.
type Verifier interface {
	Verify(token string) (models.Identity, time.Time, error)
}

// Claims is the token body the service mints and accepts.
type Claims struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Staff    bool   `json:"staff,omitempty"`
	gojwt.RegisteredClaims
}

// HMACVerifier verifies and mints HS256 tokens with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(token string) (models.Identity, time.Time, error) {
	claims := &Claims{}
	parsed, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Identity{}, time.Time{}, fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}
	if !parsed.Valid {
		return models.Identity{}, time.Time{}, fmt.Errorf("%w: token not valid", ErrCredentialInvalid)
	}
	if claims.Username == "" {
		return models.Identity{}, time.Time{}, fmt.Errorf("%w: missing username claim", ErrCredentialInvalid)
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return models.Identity{
		ID:       claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Staff:    claims.Staff,
	}, expiry, nil
}

// Mint issues a signed token for an identity. Used by the CLI for dev
// workflows and by tests; the surrounding system issues its own tokens.
func (v *HMACVerifier) Mint(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: id.Username,
		UserID:   id.ID,
		Email:    id.Email,
		Staff:    id.Staff,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Resolver maps an inbound credential string to an identity. Verified
// tokens are cached so repeated messages on hot connections skip the
// signature check; entries expire without touch extension so a
// revoked-by-expiry token cannot be kept alive by traffic.
type Resolver struct {
	logger   *slog.Logger
	verifier Verifier
	cacheTTL time.Duration
	cache    *ttlcache.Cache[string, models.Identity]
}

func NewResolver(logger *slog.Logger, verifier Verifier, cacheTTL time.Duration) *Resolver {
	if cacheTTL == 0 {
		cacheTTL = DefaultCacheTTL
	}
	cache := ttlcache.New[string, models.Identity](
		ttlcache.WithTTL[string, models.Identity](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, models.Identity](),
	)
	go cache.Start()
	return &Resolver{
		logger:   logger.WithGroup("identity"),
		verifier: verifier,
		cacheTTL: cacheTTL,
		cache:    cache,
	}
}

// Resolve maps a credential to an identity.
//
//   - absent credential: the fallback (ambient) identity, unchanged.
//   - credential outside the "JWT " scheme: the fallback, unchanged. A
//     malformed header is not a hard failure; the caller may legitimately be
//     anonymous.
//   - scheme match: the verifier decides. Failure is ErrCredentialInvalid.
func (r *Resolver) Resolve(credential string, fallback models.Identity) (models.Identity, error) {
	if credential == "" {
		return fallback, nil
	}
	if !strings.HasPrefix(credential, CredentialScheme) {
		return fallback, nil
	}
	token := strings.TrimPrefix(credential, CredentialScheme)

	if item := r.cache.Get(token); item != nil {
		return item.Value(), nil
	}

	id, expiry, err := r.verifier.Verify(token)
	if err != nil {
		r.logger.Debug("credential verification failed", "error", err)
		return models.Identity{}, err
	}

	// The cache entry must not outlive the token: a token expiring before
	// the cache TTL gets a clamped entry so it stops resolving the moment
	// it expires.
	ttl := r.cacheTTL
	if !expiry.IsZero() {
		if remaining := time.Until(expiry); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		r.cache.Set(token, id, ttl)
	}
	return id, nil
}

// Stop shuts down the cache janitor.
func (r *Resolver) Stop() {
	r.cache.Stop()
}
