package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	i, err := New(Config{
		Secret:         "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "livesession",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return i
}

func expectedCredential(t *testing.T, secret, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIssueDeterministicWithFixedTime(t *testing.T) {
	creds, err := fixedIssuer(t, time.Hour).Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("Expires=%v", creds.Expires)
	}
	if want := "1700003600:livesession:alice"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if want := expectedCredential(t, "shared-secret", creds.Username); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssueRandomSubject(t *testing.T) {
	i := fixedIssuer(t, time.Minute)
	a, err := i.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, err := i.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("random subjects collided: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[2] == "" {
		t.Fatalf("Username=%q", a.Username)
	}
}

func TestIssueRejectsColonSubject(t *testing.T) {
	if _, err := fixedIssuer(t, time.Minute).Issue("a:b"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewValidates(t *testing.T) {
	cases := []Config{
		{TTL: time.Hour, UsernamePrefix: "p"},
		{Secret: "s", TTL: 0, UsernamePrefix: "p"},
		{Secret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("New(%+v) succeeded", cfg)
		}
	}
}

func TestApplyFillsOnlyBareTURN(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com"}},
		{URLs: []string{"turn:a.example.com:3478"}},
		{URLs: []string{"turns:b.example.com:5349"}, Username: "static", Credential: "pw"},
		{URLs: []string{"turn:c.example.com:3478?transport=tcp"}},
	}
	out, err := fixedIssuer(t, time.Hour).Apply(servers, "bob")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if servers[1].Username != "" {
		t.Fatal("Apply mutated its input")
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry got credentials: %#v", out[0])
	}
	if out[2].Username != "static" || out[2].Credential != "pw" {
		t.Fatalf("static entry overwritten: %#v", out[2])
	}
	if out[1].Username != "1700003600:livesession:bob" || out[1].Username != out[3].Username {
		t.Fatalf("bare entries: %#v %#v", out[1], out[3])
	}
	if out[1].Credential != expectedCredential(t, "shared-secret", out[1].Username) {
		t.Fatalf("credential=%v", out[1].Credential)
	}
}
