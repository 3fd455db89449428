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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// ProviderGoogle names Google sign-in in resolved identities.
	ProviderGoogle = "google"

	defaultKeyCacheTTL = 10 * time.Minute
)

var defaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	// ErrInvalidVerifierConfig wraps configuration problems reported by NewIDTokenVerifier.
	ErrInvalidVerifierConfig = errors.New("auth: invalid id token verifier config")
	// ErrInvalidIDToken wraps every rejection reported by Verify.
	ErrInvalidIDToken = errors.New("auth: invalid id token")

	errMissingKeyIdentifier = errors.New("token missing key identifier")
	errKeyNotFound          = errors.New("signing key not found in key set")
	errUntrustedIssuer      = errors.New("token issuer not allowed")
)

// IdentityClaims are the externally asserted identity facts used to resolve an account.
type IdentityClaims struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// IDTokenVerifierConfig configures an RS256 ID token verifier backed by a JWKS endpoint.
type IDTokenVerifierConfig struct {
	Provider       string
	Audience       string
	KeySetURL      string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IDTokenVerifier verifies provider ID tokens offline against a cached key set.
type IDTokenVerifier struct {
	provider   string
	audience   string
	keySetURL  string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time

	refreshGroup singleflight.Group
	keysMu       sync.RWMutex
	keys         map[string]*rsa.PublicKey
	keysExpireAt time.Time
	cacheTTL     time.Duration
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// NewIDTokenVerifier validates configuration. Issuers default to Google's.
func NewIDTokenVerifier(cfg IDTokenVerifierConfig) (*IDTokenVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: audience required", ErrInvalidVerifierConfig)
	}
	keySetURL := strings.TrimSpace(cfg.KeySetURL)
	if keySetURL == "" {
		return nil, fmt.Errorf("%w: key set url required", ErrInvalidVerifierConfig)
	}

	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = ProviderGoogle
	}

	allowed := cfg.AllowedIssuers
	if len(allowed) == 0 {
		allowed = defaultGoogleIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if trimmed := strings.TrimSpace(issuer); trimmed != "" {
			issuers[trimmed] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no allowed issuers", ErrInvalidVerifierConfig)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultKeyCacheTTL
	}

	return &IDTokenVerifier{
		provider:   provider,
		audience:   audience,
		keySetURL:  keySetURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		cacheTTL:   cacheTTL,
	}, nil
}

// Verify validates rawToken and returns the identity it asserts.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (IdentityClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return IdentityClaims{}, fmt.Errorf("%w: empty token", ErrInvalidIDToken)
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return IdentityClaims{}, fmt.Errorf("%w: %w", ErrInvalidIDToken, errUntrustedIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, ErrMissingSubject)
	}

	return IdentityClaims{
		Provider:    v.provider,
		Subject:     claims.Subject,
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: strings.TrimSpace(claims.Name),
	}, nil
}

func (v *IDTokenVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key := v.cachedKey(keyID); key != nil {
		return key, nil
	}
	// Concurrent misses share one fetch.
	_, err, _ := v.refreshGroup.Do("keys", func() (interface{}, error) {
		return nil, v.refreshKeys(ctx)
	})
	if err != nil {
		return nil, err
	}
	if key := v.cachedKey(keyID); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *IDTokenVerifier) cachedKey(keyID string) *rsa.PublicKey {
	v.keysMu.RLock()
	defer v.keysMu.RUnlock()
	if v.keys == nil || v.clock().After(v.keysExpireAt) {
		return nil
	}
	return v.keys[keyID]
}

func (v *IDTokenVerifier) refreshKeys(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keySetURL, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("key set request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.rsaPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("key set contained no usable keys")
	}

	v.keysMu.Lock()
	v.keys = keys
	v.keysExpireAt = v.clock().Add(v.cacheTTL)
	v.keysMu.Unlock()
	return nil
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: exponent}, nil
}
