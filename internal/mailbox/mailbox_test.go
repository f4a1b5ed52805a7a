package mailbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg, err := Config{
		Email:    "  User@Example.com ",
		Password: "secret",
		IMAP:     Endpoint{Host: "IMAP.example.com"},
	}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.Email)
	assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
	assert.Equal(t, DefaultIMAPPort, cfg.IMAP.Port)
	assert.Equal(t, SecurityTLS, cfg.IMAP.Security)
	assert.Equal(t, "imap.example.com", cfg.SMTP.Host)
	assert.Equal(t, DefaultSMTPPort, cfg.SMTP.Port)
	assert.Equal(t, SecurityStartTLS, cfg.SMTP.Security)
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	cases := map[string]Config{
		"no email":    {Password: "x", IMAP: Endpoint{Host: "h"}},
		"bad email":   {Email: "not-an-address", Password: "x", IMAP: Endpoint{Host: "h"}},
		"no password": {Email: "a@b.c", IMAP: Endpoint{Host: "h"}},
		"no host":     {Email: "a@b.c", Password: "x"},
		"bad mode":    {Email: "a@b.c", Password: "x", IMAP: Endpoint{Host: "h", Security: "rot13"}},
		"bad port":    {Email: "a@b.c", Password: "x", IMAP: Endpoint{Host: "h", Port: 70000}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.Normalize()
			assert.Error(t, err)
		})
	}
}

func TestIdentityIgnoresSecretAndCase(t *testing.T) {
	a := Config{Email: "user@example.com", Password: "one", IMAP: Endpoint{Host: "imap.example.com"}}
	b := Config{Email: "USER@example.com", Password: "two", IMAP: Endpoint{Host: "IMAP.example.com", Port: 143}}
	c := Config{Email: "user@example.com", Password: "one", IMAP: Endpoint{Host: "imap.other.com"}}

	assert.Equal(t, IdentityOf(a), IdentityOf(b))
	assert.NotEqual(t, IdentityOf(a), IdentityOf(c))
	assert.Len(t, IdentityOf(a).Short(), 12)
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("open session: %w", E(KindTokenExpired, "unseal", errors.New("exp in the past")))

	assert.True(t, errors.Is(err, ErrTokenExpired))
	assert.False(t, errors.Is(err, ErrTokenInvalid))
	assert.Equal(t, KindTokenExpired, KindOf(err))
	assert.Equal(t, Kind("internal"), KindOf(errors.New("plain")))
	assert.True(t, KindProtocolTransient.Retryable())
	assert.False(t, KindTokenInvalid.Retryable())
}

func TestListingSummary(t *testing.T) {
	l := Listing{Flags: map[UID]Flags{
		3: NewFlags(FlagSeen),
		1: NewFlags(),
		7: NewFlags(FlagFlagged, FlagFlagged),
	}}

	assert.Equal(t, 2, l.Unread())
	assert.Equal(t, UID(7), l.MaxUID())
	assert.Equal(t, []UID{1, 3, 7}, l.UIDs())
	assert.Equal(t, Flags{FlagFlagged}, l.Flags[7])
}

func TestResolveFolder(t *testing.T) {
	folders := []Folder{
		{Name: "INBOX"},
		{Name: "[Gmail]/Sent Mail", Attributes: []string{`\Sent`}},
		{Name: "Deleted Items"},
	}

	assert.Equal(t, "[Gmail]/Sent Mail", ResolveFolder("sent", folders))
	assert.Equal(t, "Deleted Items", ResolveFolder("Trash", folders))
	assert.Equal(t, "Archive", ResolveFolder("archive", folders))
	assert.Equal(t, "INBOX", ResolveFolder("inbox", folders))
	assert.Equal(t, "INBOX", ResolveFolder("", folders))
	assert.Equal(t, "Projects/2024", ResolveFolder("Projects/2024", folders))
	assert.True(t, IsLogical("Drafts"))
	assert.False(t, IsLogical("Projects"))
}
