package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"iam-workflow/backend/internal/federation/domain"
)

type fakeIdP struct {
	srv        *httptest.Server
	key        *rsa.PrivateKey
	discovered atomic.Int32
	verified   bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	f := &fakeIdP{key: key, verified: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		f.discovered.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/authorize",
			"token_endpoint":                        f.srv.URL + "/token",
			"jwks_uri":                              f.srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA", "alg": "RS256", "use": "sig", "kid": "k1",
			"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":            f.srv.URL,
			"sub":            "subject-1",
			"aud":            "client-1",
			"exp":            time.Now().Add(time.Hour).Unix(),
			"iat":            time.Now().Unix(),
			"email":          "ann@corp.test",
			"email_verified": f.verified,
			"name":           "Ann",
		})
		tok.Header["kid"] = "k1"
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Errorf("sign: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at", "token_type": "Bearer", "expires_in": 3600, "id_token": signed,
		})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) provider() *domain.Provider {
	return &domain.Provider{
		ID: "p1", Issuer: f.srv.URL, ClientID: "client-1", ClientSecret: "secret",
		RedirectURL: "https://iam.test/federated/callback",
	}
}

func TestClient_AuthCodeURL(t *testing.T) {
	idp := newFakeIdP(t)
	c := NewClient(time.Minute, 5*time.Second, nil)
	raw, err := c.AuthCodeURL(context.Background(), idp.provider(), "session-1")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/authorize") {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("state") != "session-1" || q.Get("client_id") != "client-1" || q.Get("scope") != "openid email profile" {
		t.Errorf("query = %v", q)
	}
	if _, err := c.AuthCodeURL(context.Background(), idp.provider(), "session-2"); err != nil {
		t.Fatalf("AuthCodeURL again: %v", err)
	}
	if n := idp.discovered.Load(); n != 1 {
		t.Errorf("discovery calls = %d, want 1 (cached)", n)
	}
}

func TestClient_Exchange(t *testing.T) {
	idp := newFakeIdP(t)
	c := NewClient(time.Minute, 5*time.Second, nil)
	claims, err := c.Exchange(context.Background(), idp.provider(), "good-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if claims.Subject != "subject-1" || claims.Email != "ann@corp.test" || claims.Name != "Ann" {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := c.Exchange(context.Background(), idp.provider(), "bad-code"); err == nil {
		t.Error("expected error for bad code")
	}
}

func TestClient_ExchangeUnverifiedEmail(t *testing.T) {
	idp := newFakeIdP(t)
	idp.verified = false
	_, err := NewClient(time.Minute, 5*time.Second, nil).Exchange(context.Background(), idp.provider(), "good-code")
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Errorf("err = %v, want ErrEmailNotVerified", err)
	}
}

func TestClient_DiscoveryFailure(t *testing.T) {
	c := NewClient(time.Minute, time.Second, nil)
	p := &domain.Provider{ID: "p", Issuer: "http://127.0.0.1:1", ClientID: "c"}
	if _, err := c.AuthCodeURL(context.Background(), p, "s"); err == nil {
		t.Error("expected discovery error")
	}
}
