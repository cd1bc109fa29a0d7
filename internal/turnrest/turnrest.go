// Package turnrest issues short-lived TURN credentials in the coturn REST
// format, so browsers never see the relay's long-term TURN secret.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/beatarena/livesession/internal/config"
)

type Config struct {
	Secret         string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

// Issuer mints credentials. It is safe for concurrent use.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("turnrest: secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: TTL must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

// FromConfig returns nil when ephemeral credentials are not configured.
func FromConfig(cfg config.Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.TurnRESTSecret) == "" {
		return nil, nil
	}
	return New(Config{
		Secret:         cfg.TurnRESTSecret,
		TTL:            cfg.TurnRESTTTL,
		UsernamePrefix: cfg.TurnRESTUsernamePrefix,
	})
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issue mints credentials for subject. An empty subject gets a random one.
func (i *Issuer) Issue(subject string) (Credentials, error) {
	if subject == "" {
		subject = uuid.NewString()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, fmt.Errorf("turnrest: subject %q must not contain ':'", subject)
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers where every TURN entry without a static
// username carries freshly minted credentials. One set is shared by all
// entries of a single call.
func (i *Issuer) Apply(servers []webrtc.ICEServer, subject string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for idx := range out {
		if !config.IsTURNServer(out[idx]) || out[idx].Username != "" {
			continue
		}
		if creds == nil {
			c, err := i.Issue(subject)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[idx].Username = creds.Username
		out[idx].Credential = creds.Credential
	}
	return out, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
