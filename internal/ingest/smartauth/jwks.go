package smartauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PublicJWK is a public key published so a FHIR server operator can
// register this client's signing key (via a jwks_uri or uploaded JWKS).
type PublicJWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicJWKS builds a JWKS document containing the RSA public key
// corresponding to the given PEM-encoded private key.
func PublicJWKS(privateKeyPEM string, alg Algorithm) (map[string][]PublicJWK, error) {
	key, err := parsePEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.signingKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("smartauth: PublicJWKS only supports RSA keys")
	}
	jwk := PublicJWK{
		Kty: "RSA",
		Alg: string(alg),
		Use: "sig",
		Kid: uuid.NewString(),
		N:   intToBase64URL(rsaKey.N),
		E:   intToBase64URL(big.NewInt(int64(rsaKey.E))),
	}
	return map[string][]PublicJWK{"keys": {jwk}}, nil
}

// ExtractPublicKeyPEM returns the PEM-encoded public key for the given
// PEM-encoded private key, for operators who need to hand a plain public
// key (rather than a JWKS) to a FHIR server administrator.
func ExtractPublicKeyPEM(privateKeyPEM string) (string, error) {
	key, err := parsePEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	rsaKey, ok := key.signingKey.(*rsa.PrivateKey)
	if !ok {
		return "", errors.New("smartauth: ExtractPublicKeyPEM only supports RSA keys")
	}
	der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

func intToBase64URL(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}
