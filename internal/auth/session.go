package auth

import (
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

const tokenHeader = "X-Mailbox-Token"

// Session is the unsealed view of one mailbox for the duration of a request
// or a poll cycle.
type Session struct {
	Config    mailbox.Config
	Identity  mailbox.Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// Open unseals token into a Session.
func (s *Sealer) Open(token string, now time.Time) (*Session, error) {
	cfg, c, err := s.unseal(token, now)
	if err != nil {
		return nil, err
	}
	return &Session{
		Config:    cfg,
		Identity:  mailbox.IdentityOf(cfg),
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
		Token:     token,
	}, nil
}

// TokenFromRequest extracts a token from the Authorization bearer header, the
// X-Mailbox-Token header, or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, value, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	if h := strings.TrimSpace(r.Header.Get(tokenHeader)); h != "" {
		return h
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
