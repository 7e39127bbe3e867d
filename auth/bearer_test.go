package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/mnehpets/directserve/endpoint"
)

const (
	testIssuer   = "https://issuer.example.com"
	testClientID = "client-id"
)

type testSigner struct {
	key    *rsa.PrivateKey
	signer jose.Signer
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	return &testSigner{key: key, signer: signer}
}

func (s *testSigner) token(t *testing.T, claims jwt.Claims, extra map[string]any) string {
	t.Helper()
	b := jwt.Signed(s.signer).Claims(claims)
	if extra != nil {
		b = b.Claims(extra)
	}
	raw, err := b.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func validClaims(issuer string) jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Subject:   "user123",
		Issuer:    issuer,
		Audience:  jwt.Audience{testClientID},
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
}

func identityHandler(p *BearerProcessor, got **Identity) http.Handler {
	return endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		*got, _ = IdentityFromContext(r.Context())
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, p)
}

func TestBearerProcessor(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	reg := NewRegistry()
	reg.RegisterStaticProvider("corp", testIssuer, testClientID, []crypto.PublicKey{&s.key.PublicKey})

	good := s.token(t, validClaims(testIssuer), map[string]any{
		"email":          "ada@example.com",
		"email_verified": true,
		"roles":          []string{"admin", "ops"},
	})
	expiredClaims := validClaims(testIssuer)
	expiredClaims.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongAud := validClaims(testIssuer)
	wrongAud.Audience = jwt.Audience{"someone-else"}

	tests := []struct {
		name       string
		header     string
		required   bool
		wantStatus int
		wantID     bool
	}{
		{"no header", "", false, http.StatusOK, false},
		{"no header required", "", true, http.StatusUnauthorized, false},
		{"other scheme", "Basic dXNlcjpwYXNz", false, http.StatusOK, false},
		{"valid", "Bearer " + good, false, http.StatusOK, true},
		{"lowercase scheme", "bearer " + good, true, http.StatusOK, true},
		{"expired", "Bearer " + s.token(t, expiredClaims, nil), false, http.StatusUnauthorized, false},
		{"wrong audience", "Bearer " + s.token(t, wrongAud, nil), false, http.StatusUnauthorized, false},
		{"wrong issuer", "Bearer " + s.token(t, validClaims("https://evil.example"), nil), false, http.StatusUnauthorized, false},
		{"wrong key", "Bearer " + other.token(t, validClaims(testIssuer), nil), false, http.StatusUnauthorized, false},
		{"garbage", "Bearer not-a-jwt", false, http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []BearerOption
			if tt.required {
				opts = append(opts, WithRequired())
			}
			var id *Identity
			req := httptest.NewRequest(http.MethodPost, "/direct/router", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			identityHandler(NewBearerProcessor(reg, opts...), &id).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if (id != nil) != tt.wantID {
				t.Fatalf("identity = %+v", id)
			}
			if rec.Code == http.StatusUnauthorized && !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
			if id == nil {
				return
			}
			if id.Provider != "corp" || id.Subject != "user123" || id.StableID != "corp:user123" || id.Issuer != testIssuer {
				t.Errorf("identity = %+v", id)
			}
			if id.Email != "ada@example.com" || !id.HasRole("admin") || !id.HasRole("ops") || id.HasRole("root") {
				t.Errorf("identity = %+v", id)
			}
		})
	}
}

func TestBearerProcessor_UnverifiedEmailDropped(t *testing.T) {
	s := newTestSigner(t)
	reg := NewRegistry()
	reg.RegisterStaticProvider("corp", testIssuer, testClientID, []crypto.PublicKey{&s.key.PublicKey})
	raw := s.token(t, validClaims(testIssuer), map[string]any{"email": "ada@example.com", "roles": "a b"})

	var id *Identity
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	identityHandler(NewBearerProcessor(reg), &id).ServeHTTP(httptest.NewRecorder(), req)
	if id == nil {
		t.Fatal("no identity")
	}
	if id.Email != "" {
		t.Errorf("unverified email kept: %q", id.Email)
	}
	if strings.Join(id.Roles, ",") != "a,b" {
		t.Errorf("roles = %v", id.Roles)
	}
}

func TestRegistry_VerifyOrder(t *testing.T) {
	a, b := newTestSigner(t), newTestSigner(t)
	reg := NewRegistry()
	if _, _, err := reg.Verify(context.Background(), "x"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("empty registry: %v", err)
	}
	reg.RegisterStaticProvider("a", testIssuer, testClientID, []crypto.PublicKey{&a.key.PublicKey})
	reg.RegisterStaticProvider("b", testIssuer, testClientID, []crypto.PublicKey{&b.key.PublicKey})

	_, p, err := reg.Verify(context.Background(), b.token(t, validClaims(testIssuer), nil))
	if err != nil || p.ID() != "b" {
		t.Fatalf("got %v, %v", p, err)
	}

	// Re-registering an ID replaces the provider in place.
	reg.RegisterStaticProvider("b", testIssuer, testClientID, []crypto.PublicKey{&a.key.PublicKey})
	if _, _, err := reg.Verify(context.Background(), b.token(t, validClaims(testIssuer), nil)); err == nil {
		t.Error("replaced provider still accepts old key")
	}
	if got, ok := reg.Get("b"); !ok || got.Verifier() == nil {
		t.Error("Get after replace")
	}
}

func TestRegisterOIDCProvider_Discovery(t *testing.T) {
	s := newTestSigner(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]any{
				"issuer":                                srv.URL,
				"jwks_uri":                              srv.URL + "/keys",
				"authorization_endpoint":                srv.URL + "/auth",
				"token_endpoint":                        srv.URL + "/token",
				"response_types_supported":              []string{"code"},
				"subject_types_supported":               []string{"public"},
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})
		case "/keys":
			jwk := jose.JSONWebKey{Key: &s.key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"}
			json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := NewRegistry()
	if err := reg.RegisterOIDCProvider(context.Background(), "idp", srv.URL, testClientID); err != nil {
		t.Fatal(err)
	}
	token, p, err := reg.Verify(context.Background(), s.token(t, validClaims(srv.URL), nil))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID() != "idp" || GetStableID(token, p.ID()) != "idp:user123" {
		t.Errorf("got provider %q token %+v", p.ID(), token)
	}

	if err := reg.RegisterOIDCProvider(context.Background(), "bad", srv.URL+"/missing", testClientID); err == nil {
		t.Error("discovery against a missing issuer succeeded")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"  Bearer   abc  ", "abc", true},
		{"BEARER abc", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := bearerToken(tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("bearerToken(%q) = %q, %v", tt.header, got, ok)
			}
		})
	}
}
