package mailtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

const defaultDomain = "mailtest"

// Delivery is one message accepted by the SMTP server.
type Delivery struct {
	From string
	To   []string
	Raw  []byte
	// TLS reports whether the session had been upgraded when DATA arrived.
	TLS bool
}

// SMTPServer is a local submission server that captures every message it
// accepts. It requires PLAIN auth with the configured credentials.
type SMTPServer struct {
	Username string
	Password string

	smtp     *smtp.Server
	listener net.Listener
	security mailbox.Security
	logger   *slog.Logger

	mu         sync.Mutex
	deliveries []Delivery
	notify     chan struct{}
}

// StartSMTP starts a capture server on a loopback port and stops it when the
// test ends.
func StartSMTP(t testing.TB, username, password string) *SMTPServer {
	t.Helper()
	return startSMTP(t, username, password, nil)
}

// StartSMTPStartTLS is StartSMTP with STARTTLS offered under a self-signed
// certificate. Clients must skip verification.
func StartSMTPStartTLS(t testing.TB, username, password string) *SMTPServer {
	t.Helper()
	cert, err := selfSigned("127.0.0.1")
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	return startSMTP(t, username, password, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func startSMTP(t testing.TB, username, password string, tlsConfig *tls.Config) *SMTPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen smtp: %v", err)
	}

	s := &SMTPServer{
		Username: username,
		Password: password,
		listener: listener,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		notify:   make(chan struct{}, 64),
		security: mailbox.SecurityNone,
	}
	server := smtp.NewServer(&backend{server: s})
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
		s.security = mailbox.SecurityStartTLS
	}
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20
	s.smtp = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			s.logger.Error("smtp server stopped", "error", err)
		}
	}()
	t.Cleanup(func() { _ = server.Close() })
	return s
}

// Endpoint returns the endpoint clients should use.
func (s *SMTPServer) Endpoint() mailbox.Endpoint {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return mailbox.Endpoint{Host: host, Port: p, Security: s.security}
}

// Deliveries returns a copy of everything received so far.
func (s *SMTPServer) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// WaitDelivery blocks until a message arrives or timeout passes.
func (s *SMTPServer) WaitDelivery(timeout time.Duration) bool {
	select {
	case <-s.notify:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *SMTPServer) record(d Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

type backend struct {
	server *SMTPServer
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server, conn: c}, nil
}

type session struct {
	server        *SMTPServer
	conn          *smtp.Conn
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.server.Username && password == s.server.Password {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, secure := s.conn.TLSConnectionState()
	s.server.record(Delivery{From: s.from, To: append([]string(nil), s.to...), Raw: data, TLS: secure})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func selfSigned(host string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		IPAddresses:  []net.IP{net.ParseIP(host)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
