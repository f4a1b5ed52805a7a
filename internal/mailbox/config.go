package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"
)

const (
	DefaultIMAPPort = 993
	DefaultSMTPPort = 587
)

// Security selects how a protocol connection is secured.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Endpoint is one protocol server of a mailbox.
type Endpoint struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Security Security `json:"security"`
}

// Config is everything needed to reach one remote mailbox. It only ever
// lives inside a sealed token or transiently inside a session.
type Config struct {
	Email       string   `json:"email"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password"`
	IMAP        Endpoint `json:"imap"`
	SMTP        Endpoint `json:"smtp"`
	DisplayName string   `json:"displayName,omitempty"`
}

// Login returns the username used to authenticate, which defaults to the
// email address.
func (c Config) Login() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Email
}

// Normalize fills defaults and trims user input. It returns an error when a
// required field is missing.
func (c Config) Normalize() (Config, error) {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Username = strings.TrimSpace(c.Username)
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.IMAP.Host = strings.ToLower(strings.TrimSpace(c.IMAP.Host))
	c.SMTP.Host = strings.ToLower(strings.TrimSpace(c.SMTP.Host))

	if c.Email == "" {
		return c, errors.New("email is required")
	}
	addr, err := mail.ParseAddress(c.Email)
	if err != nil {
		return c, errors.New("email must be valid")
	}
	c.Email = strings.ToLower(addr.Address)
	if c.Password == "" {
		return c, errors.New("password is required")
	}
	if c.IMAP.Host == "" {
		return c, errors.New("imap host is required")
	}
	if c.SMTP.Host == "" {
		c.SMTP.Host = c.IMAP.Host
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = DefaultIMAPPort
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = DefaultSMTPPort
	}
	if c.IMAP.Security, err = normalizeSecurity(c.IMAP.Security, SecurityTLS); err != nil {
		return c, err
	}
	if c.SMTP.Security, err = normalizeSecurity(c.SMTP.Security, SecurityStartTLS); err != nil {
		return c, err
	}
	if c.IMAP.Port < 0 || c.IMAP.Port > 65535 || c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return c, errors.New("port must be between 1 and 65535")
	}
	return c, nil
}

func normalizeSecurity(s Security, fallback Security) (Security, error) {
	switch Security(strings.ToLower(strings.TrimSpace(string(s)))) {
	case "":
		return fallback, nil
	case SecurityTLS, "ssl":
		return SecurityTLS, nil
	case SecurityStartTLS:
		return SecurityStartTLS, nil
	case SecurityNone, "plain":
		return SecurityNone, nil
	default:
		return "", errors.New("security must be one of tls, starttls, none")
	}
}

// Identity keys every cache entry and subscription of a mailbox. It depends
// only on the login and the IMAP host, so two tokens for the same mailbox
// resolve to the same identity.
type Identity string

// IdentityOf derives the identity of a mailbox configuration.
func IdentityOf(c Config) Identity {
	sum := sha256.Sum256([]byte(strings.ToLower(c.Login()) + "\x00" + strings.ToLower(c.IMAP.Host)))
	return Identity(hex.EncodeToString(sum[:]))
}

// Short is a log-friendly prefix of the identity.
func (id Identity) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
