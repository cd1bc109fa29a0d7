package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func fixedJWT(secret string, now time.Time) *JWT {
	j := NewJWT(secret, time.Hour)
	j.now = func() time.Time { return now }
	return j
}

func TestJWT_IssueThenVerify(t *testing.T) {
	j := fixedJWT("secret", time.Unix(1_000_000, 0))

	token, err := j.Issue(Identity{UserID: "u1", Name: "MC Flow", Avatar: "https://cdn.example.com/a.png"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := j.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.Name != "MC Flow" || id.Avatar != "https://cdn.example.com/a.png" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestJWT_AcceptsHandBuiltHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	j := fixedJWT("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"sub": "u2",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})
	id, err := j.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u2" {
		t.Fatalf("UserID=%q, want subject fallback u2", id.UserID)
	}
}

func TestJWT_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	j := fixedJWT("secret", now)

	valid := map[string]any{"userId": "u1", "exp": now.Add(time.Minute).Unix()}
	cases := map[string]string{
		"expired": mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
			"userId": "u1", "exp": now.Add(-time.Minute).Unix(),
		}),
		"no exp":       mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{"userId": "u1"}),
		"wrong secret": mustJWT(t, "other", map[string]any{"alg": "HS256"}, valid),
		"alg none":     mustJWT(t, "secret", map[string]any{"alg": "none"}, valid),
		"no user": mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
			"exp": now.Add(time.Minute).Unix(),
		}),
		"garbage": "not.a.jwt",
	}
	for name, token := range cases {
		if _, err := j.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err=%v, want ErrInvalidToken", name, err)
		}
	}

	if _, err := j.Verify(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty token: err=%v, want ErrMissingCredentials", err)
	}
}

func TestCredentialHelpers(t *testing.T) {
	if _, err := CredentialFromQuery(url.Values{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
	if got, err := CredentialFromQuery(url.Values{"token": {"abc"}}); err != nil || got != "abc" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	if got, err := BearerToken("bearer xyz"); err != nil || got != "xyz" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	for _, h := range []string{"", "Basic xyz", "Bearer", "Bearer "} {
		if _, err := BearerToken(h); err == nil {
			t.Fatalf("BearerToken(%q) should fail", h)
		}
	}
}

func TestRequireJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := fixedJWT("secret", time.Now())

	r := gin.New()
	r.GET("/me", RequireJWT(j), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}

	token, err := j.Issue(Identity{UserID: "u9"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "u9" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
