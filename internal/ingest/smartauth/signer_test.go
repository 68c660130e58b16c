package smartauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
	"github.com/ehr/ehr/internal/ingest/retry"
)

func generateTestPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestSigner_AccessToken_CachesUntilNearExpiry(t *testing.T) {
	pemKey := generateTestPEM(t)
	var tokenRequests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Fatalf("unexpected grant_type: %s", r.Form.Get("grant_type"))
		}
		if r.Form.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
			t.Fatalf("unexpected client_assertion_type")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "tok-123",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
		})
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.DefaultTimeoutConfig(), retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 1}, zerolog.Nop())
	signer, err := New(Config{
		TokenURL:   srv.URL,
		ClientID:   "test-client",
		PrivateKey: pemKey,
		Algorithm:  RS384,
	}, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	tok, err := signer.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken returned error: %v", err)
	}
	if tok != "tok-123" {
		t.Fatalf("unexpected token: %s", tok)
	}

	// Second call should use the cache, not hit the server again.
	tok2, err := signer.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken (cached) returned error: %v", err)
	}
	if tok2 != tok {
		t.Fatalf("expected cached token")
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly 1 token request, got %d", tokenRequests)
	}
}

func TestPublicJWKSAndExtractPublicKey(t *testing.T) {
	pemKey := generateTestPEM(t)

	pub, err := ExtractPublicKeyPEM(pemKey)
	if err != nil {
		t.Fatalf("ExtractPublicKeyPEM returned error: %v", err)
	}
	if pub == "" {
		t.Fatal("expected non-empty public PEM")
	}

	jwks, err := PublicJWKS(pemKey, RS384)
	if err != nil {
		t.Fatalf("PublicJWKS returned error: %v", err)
	}
	keys := jwks["keys"]
	if len(keys) != 1 || keys[0].Kty != "RSA" {
		t.Fatalf("unexpected JWKS: %+v", jwks)
	}
}
