// Package smartauth implements the client side of SMART Backend Services
// authorization (https://hl7.org/fhir/smart-app-launch/backend-services.html):
// signing a JWT client assertion with a registered private key and
// exchanging it for an access token via the client_credentials grant.
package smartauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
)

// ErrUnsupportedKeyType is returned when the supplied JWK names a key type
// this signer cannot sign with. Only RSA private keys are supported for JWK
// import; EC (ES384) JWK import is not implemented — PEM-encoded EC keys
// still work via ParsePKCS8.
var ErrUnsupportedKeyType = errors.New("smartauth: unsupported JWK key type")

// Algorithm is the JWT signing algorithm used for the client assertion.
type Algorithm string

const (
	RS384 Algorithm = "RS384"
	ES384 Algorithm = "ES384"
)

// Config describes one SMART Backend Services client registration.
type Config struct {
	TokenURL   string
	ClientID   string
	PrivateKey string // PEM or JWK JSON, see ParsePrivateKey
	Algorithm  Algorithm
	Scope      string
}

// Signer creates and exchanges client assertions, caching the resulting
// access token until 60 seconds before it expires (I5).
type Signer struct {
	cfg    Config
	key    keyMaterial // signing key + kid
	client *httpclient.Client
	log    zerolog.Logger

	mu       sync.Mutex
	token    string
	expiresAt time.Time
}

type keyMaterial struct {
	signingKey any // *rsa.PrivateKey or *ecdsa.PrivateKey
	kid        string
}

// New builds a Signer, parsing cfg.PrivateKey (PEM or JWK) upfront so
// configuration errors surface at startup rather than on first token fetch.
func New(cfg Config, client *httpclient.Client, log zerolog.Logger) (*Signer, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = RS384
	}
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("smartauth: parse private key: %w", err)
	}
	return &Signer{cfg: cfg, key: key, client: client, log: log}, nil
}

// ParsePrivateKey accepts either a PEM-encoded private key or a JWK/JWKS
// JSON document and returns the parsed signing key plus its kid, if any.
func ParsePrivateKey(raw string) (keyMaterial, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return parseJWK(trimmed)
	}
	return parsePEM(trimmed)
}

func parsePEM(raw string) (keyMaterial, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return keyMaterial{}, errors.New("smartauth: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return keyMaterial{signingKey: key}, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("parse PKCS8 private key: %w", err)
	}
	return keyMaterial{signingKey: key}, nil
}

type jwk struct {
	Kty    string   `json:"kty"`
	Kid    string   `json:"kid"`
	KeyOps []string `json:"key_ops"`
	N      string   `json:"n"`
	E      string   `json:"e"`
	D      string   `json:"d"`
	P      string   `json:"p"`
	Q      string   `json:"q"`
	DP     string   `json:"dp"`
	DQ     string   `json:"dq"`
	QI     string   `json:"qi"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func parseJWK(raw string) (keyMaterial, error) {
	var set jwkSet
	if err := json.Unmarshal([]byte(raw), &set); err == nil && len(set.Keys) > 0 {
		for _, k := range set.Keys {
			for _, op := range k.KeyOps {
				if op == "sign" {
					return jwkToKey(k)
				}
			}
		}
		return keyMaterial{}, errors.New("smartauth: no signing key found in JWK set")
	}
	var single jwk
	if err := json.Unmarshal([]byte(raw), &single); err != nil || single.Kty == "" {
		return keyMaterial{}, errors.New("smartauth: invalid JWK format")
	}
	return jwkToKey(single)
}

func jwkToKey(k jwk) (keyMaterial, error) {
	if k.Kty != "RSA" {
		return keyMaterial{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, k.Kty)
	}
	n, err := b64ToInt(k.N)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("decode n: %w", err)
	}
	e, err := b64ToInt(k.E)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("decode e: %w", err)
	}
	d, err := b64ToInt(k.D)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("decode d: %w", err)
	}
	p, err := b64ToInt(k.P)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("decode p: %w", err)
	}
	q, err := b64ToInt(k.Q)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("decode q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return keyMaterial{}, fmt.Errorf("invalid RSA key material: %w", err)
	}
	return keyMaterial{signingKey: key, kid: k.Kid}, nil
}

func b64ToInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty base64url value")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func (s *Signer) createAssertion(expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.cfg.ClientID,
		"sub": s.cfg.ClientID,
		"aud": s.cfg.TokenURL,
		"exp": now.Add(expiresIn).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}

	method := jwt.GetSigningMethod(string(s.cfg.Algorithm))
	if method == nil {
		return "", fmt.Errorf("smartauth: unsupported signing algorithm %q", s.cfg.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	if s.key.kid != "" {
		token.Header["kid"] = s.key.kid
	}
	return token.SignedString(s.key.signingKey)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// AccessToken returns a valid bearer token, refreshing it if the cached one
// is absent or within 60 seconds of expiring (I5).
func (s *Signer) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Now().Before(s.expiresAt.Add(-60*time.Second)) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	assertion, err := s.createAssertion(5 * time.Minute)
	if err != nil {
		return "", fmt.Errorf("smartauth: create assertion: %w", err)
	}

	scope := s.cfg.Scope
	if scope == "" {
		scope = "system/*.read"
	}
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
		"scope":                 {scope},
	}

	headers := http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
		"Accept":       {"application/json"},
	}
	resp, err := s.client.Do(ctx, http.MethodPost, s.cfg.TokenURL, headers, []byte(form.Encode()), "smart-token-exchange")
	if err != nil {
		return "", fmt.Errorf("smartauth: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("smartauth: token endpoint returned %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("smartauth: decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("smartauth: token response missing access_token")
	}
	if body.ExpiresIn == 0 {
		body.ExpiresIn = 300
	}

	s.mu.Lock()
	s.token = body.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	s.mu.Unlock()

	s.log.Info().Int64("expires_in_seconds", body.ExpiresIn).Msg("obtained SMART backend services access token")
	return body.AccessToken, nil
}

// AuthHeader returns the "Authorization: Bearer ..." header value for
// attaching to outbound FHIR requests.
func (s *Signer) AuthHeader(ctx context.Context) (string, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}
