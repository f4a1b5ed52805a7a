package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// SMTPSender submits mail with go-smtp using PLAIN authentication.
type SMTPSender struct {
	DialTimeout time.Duration
	// LocalName is announced in EHLO.
	LocalName          string
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

func NewSMTPSender(logger *slog.Logger) *SMTPSender {
	return &SMTPSender{DialTimeout: defaultDialTimeout, LocalName: "mailbridge", Logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, cfg mailbox.Config, from string, rcpts []string, raw []byte) error {
	const op = "smtp send"
	if len(rcpts) == 0 {
		return &Error{Op: op, Kind: KindProtocol, Err: errors.New("no recipients")}
	}
	client, stop, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	if err := client.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return classify(op, ctxErr(ctx, err))
	}
	if err := client.Quit(); err != nil {
		s.logger().Debug("smtp quit", "error", err)
	}
	return nil
}

func (s *SMTPSender) Verify(ctx context.Context, cfg mailbox.Config) error {
	client, stop, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()
	_ = client.Quit()
	return nil
}

func (s *SMTPSender) connect(ctx context.Context, cfg mailbox.Config) (*smtp.Client, func() bool, error) {
	const op = "smtp connect"
	addr := net.JoinHostPort(cfg.SMTP.Host, strconv.Itoa(cfg.SMTP.Port))
	nd := net.Dialer{Timeout: s.DialTimeout}
	if nd.Timeout <= 0 {
		nd.Timeout = defaultDialTimeout
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &Error{Op: op, Kind: dialKind(err), Err: err}
	}
	stop := watch(ctx, conn)
	fail := func(kind ErrorKind, err error) (*smtp.Client, func() bool, error) {
		stop()
		_ = conn.Close()
		return nil, nil, &Error{Op: op, Kind: kind, Err: err}
	}

	tlsConfig := &tls.Config{ServerName: cfg.SMTP.Host, InsecureSkipVerify: s.InsecureSkipVerify}
	var client *smtp.Client
	switch cfg.SMTP.Security {
	case mailbox.SecurityStartTLS:
		// NewClientStartTLS greets the server and upgrades before returning.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return fail(dialKind(ctxErr(ctx, err)), fmt.Errorf("starttls with %s: %w", addr, err))
		}
	case mailbox.SecurityTLS:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	default:
		client = smtp.NewClient(conn)
	}
	if cfg.SMTP.Security != mailbox.SecurityStartTLS {
		if err := client.Hello(s.LocalName); err != nil {
			return fail(dialKind(ctxErr(ctx, err)), fmt.Errorf("hello %s: %w", addr, err))
		}
	}
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(sasl.NewPlainClient("", cfg.Login(), cfg.Password)); err != nil {
			if ctx.Err() != nil {
				return fail(kindOf(ctxErr(ctx, err)), err)
			}
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) {
				return fail(KindAuth, fmt.Errorf("auth as %s: %w", cfg.Login(), err))
			}
			return fail(kindOf(err), err)
		}
	}
	return client, stop, nil
}

func (s *SMTPSender) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
