package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

const (
	issuer        = "mailbridge"
	DefaultTTL    = 15 * time.Minute
	signingInfo   = "mailbridge token signing v1"
	sealingInfo   = "mailbridge config sealing v1"
	derivedKeyLen = 32
)

// Sealer turns a mailbox configuration into a signed, encrypted, time-bounded
// token and back. Its keys are derived once from the server secret and never
// change for the life of the process.
type Sealer struct {
	signKey []byte
	aead    cipher.AEAD
	ttl     time.Duration
}

type claims struct {
	Config string `json:"cfg"`
	jwt.RegisteredClaims
}

// New derives the sealer keys from secret. An empty secret generates a random
// one, so tokens do not survive a restart.
func New(secret string, ttl time.Duration) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate seal secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	signKey, err := deriveKey(secret, signingInfo)
	if err != nil {
		return nil, err
	}
	sealKey, err := deriveKey(secret, sealingInfo)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("init config cipher: %w", err)
	}

	return &Sealer{
		signKey: signKey,
		aead:    aead,
		ttl:     ttl,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %q key: %w", info, err)
	}
	return key, nil
}

// TTL is the fixed lifetime of every token.
func (s *Sealer) TTL() time.Duration {
	return s.ttl
}

// Seal issues a token for cfg valid from now until now+TTL.
func (s *Sealer) Seal(cfg mailbox.Config, now time.Time) (string, error) {
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)
	id := uuid.NewString()

	plain, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode mailbox config: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, additionalData(id, issuedAt, expiresAt))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Config: base64.RawURLEncoding.EncodeToString(sealed),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Unseal verifies token and returns the configuration it carries. It fails
// with a token_expired error after expiry and token_invalid for anything else.
func (s *Sealer) Unseal(token string, now time.Time) (mailbox.Config, error) {
	cfg, _, err := s.unseal(token, now)
	return cfg, err
}

func (s *Sealer) unseal(token string, now time.Time) (mailbox.Config, *claims, error) {
	const op = "unseal token"
	if strings.TrimSpace(token) == "" {
		return mailbox.Config{}, nil, mailbox.Errorf(mailbox.KindTokenInvalid, op, "missing token")
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return mailbox.Config{}, nil, mailbox.E(mailbox.KindTokenExpired, op, err)
		}
		return mailbox.Config{}, nil, mailbox.E(mailbox.KindTokenInvalid, op, err)
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil || c.ExpiresAt.Sub(c.IssuedAt.Time) != s.ttl {
		return mailbox.Config{}, nil, mailbox.Errorf(mailbox.KindTokenInvalid, op, "token lifetime mismatch")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(c.Config)
	if err != nil || len(sealed) < s.aead.NonceSize() {
		return mailbox.Config{}, nil, mailbox.Errorf(mailbox.KindTokenInvalid, op, "malformed sealed config")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, additionalData(c.ID, c.IssuedAt.Time, c.ExpiresAt.Time))
	if err != nil {
		return mailbox.Config{}, nil, mailbox.E(mailbox.KindTokenInvalid, op, errors.New("sealed config rejected"))
	}

	var cfg mailbox.Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return mailbox.Config{}, nil, mailbox.E(mailbox.KindTokenInvalid, op, fmt.Errorf("decode mailbox config: %w", err))
	}
	return cfg, &c, nil
}

func additionalData(id string, issuedAt, expiresAt time.Time) []byte {
	return []byte(id + "." + strconv.FormatInt(issuedAt.Unix(), 10) + "." + strconv.FormatInt(expiresAt.Unix(), 10))
}
