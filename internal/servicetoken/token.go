// Package servicetoken issues and verifies short-lived RS256 tokens that let
// operators and sibling services call the generation service's admin routes.
package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the default lifetime for issued tokens.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID is the key id used when none is configured.
	DefaultKeyID = "admin-active"
	// Audience is the audience every admin token must carry.
	Audience = "logogen"

	// ScopeQueueRead allows inspecting the completion queue.
	ScopeQueueRead = "queue:read"
)

// Claims are the registered claims plus a space-separated scope list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope was granted.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// Signer issues admin tokens.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	kid    string
}

// SignerOptions configures token signing. Key takes precedence over
// PrivateKeyPath.
type SignerOptions struct {
	Key            *rsa.PrivateKey
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSigner creates a signer using RS256.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	key := opts.Key
	if key == nil {
		path := strings.TrimSpace(opts.PrivateKeyPath)
		if path == "" {
			return nil, errors.New("service token private key is required")
		}
		var err error
		key, err = loadRSAPrivateKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load admin jwt private key: %w", err)
		}
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, kid: kid}, nil
}

// Sign issues a token for Audience granting scopes.
func (s *Signer) Sign(scopes ...string) (string, error) {
	if len(scopes) == 0 {
		return "", errors.New("at least one scope is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        randomHexID(12),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verifier validates admin tokens against the issuer allowlist.
type Verifier struct {
	allowedIssuers map[string]struct{}
	leeway         time.Duration
	keys           map[string]*rsa.PublicKey
}

// VerifierOptions configures verification. Key takes precedence over
// PublicKeyPath.
type VerifierOptions struct {
	Key            *rsa.PublicKey
	PublicKeyPath  string
	KeyID          string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewVerifier creates a verifier for one RSA public key.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	issuers := make(map[string]struct{})
	for _, issuer := range opts.AllowedIssuers {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			continue
		}
		issuers[issuer] = struct{}{}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	pub := opts.Key
	if pub == nil {
		path := strings.TrimSpace(opts.PublicKeyPath)
		if path == "" {
			return nil, errors.New("admin verifier requires rsa public key")
		}
		var err error
		pub, err = loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load admin jwt public key: %w", err)
		}
	}
	return &Verifier{
		allowedIssuers: issuers,
		leeway:         leeway,
		keys:           map[string]*rsa.PublicKey{kid: pub},
	}, nil
}

// Verify validates token signature, expiry, audience, and issuer.
func (v *Verifier) Verify(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if _, ok := v.allowedIssuers[claims.Issuer]; !ok {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	return claims, nil
}

// Require rejects requests without a valid bearer token granting scope.
// reject writes the response for status 401 or 403.
func (v *Verifier) Require(scope string, reject func(w http.ResponseWriter, r *http.Request, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				reject(w, r, http.StatusUnauthorized, "bearer token required")
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				reject(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			if !claims.HasScope(scope) {
				reject(w, r, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not rsa")
	}
	return pub, nil
}
