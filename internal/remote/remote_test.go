package remote_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/mailtest"
	"github.io/infrasutra/mailbridge/internal/remote"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComposeParseRoundTrip(t *testing.T) {
	raw, err := remote.Compose(remote.Outgoing{
		From:        mailbox.Address{Name: "Ada", Address: "ada@example.com"},
		To:          []mailbox.Address{{Address: "bob@example.com"}},
		Cc:          []mailbox.Address{{Address: "carol@example.com"}},
		Bcc:         []mailbox.Address{{Address: "secret@example.com"}},
		Subject:     "Quarterly\r\nBcc: injected@example.com",
		Text:        "plain body",
		HTML:        "<p>html body</p>",
		ReadReceipt: true,
		Attachments: []mailbox.Attachment{{
			Filename:    "report.csv",
			ContentType: "text/csv",
			Data:        []byte("a,b\n1,2\n"),
		}},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret@example.com")
	assert.NotContains(t, string(raw), "\r\nBcc:")
	assert.Contains(t, string(raw), "Disposition-Notification-To:")

	msg, err := remote.ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "QuarterlyBcc: injected@example.com", msg.Subject)
	assert.Contains(t, msg.Text, "plain body")
	assert.Contains(t, msg.HTML, "<p>html body</p>")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.csv", msg.Attachments[0].Filename)
	assert.Equal(t, "text/csv", msg.Attachments[0].ContentType)
	assert.Equal(t, []byte("a,b\n1,2\n"), msg.Attachments[0].Data)
	require.Len(t, msg.From, 1)
	assert.Equal(t, "ada@example.com", msg.From[0].Address)
	assert.NotEmpty(t, msg.MessageID)
}

func TestComposeRequiresRecipientAndBody(t *testing.T) {
	_, err := remote.Compose(remote.Outgoing{From: mailbox.Address{Address: "a@example.com"}, Text: "x"})
	assert.Error(t, err)

	_, err = remote.Compose(remote.Outgoing{
		From: mailbox.Address{Address: "a@example.com"},
		To:   []mailbox.Address{{Address: "b@example.com"}},
	})
	assert.Error(t, err)
}

func TestRecipientsDeduplicates(t *testing.T) {
	m := remote.Outgoing{
		To:  []mailbox.Address{{Address: "A@example.com"}, {Address: "b@example.com"}},
		Cc:  []mailbox.Address{{Address: "a@example.com"}},
		Bcc: []mailbox.Address{{Address: "c@example.com"}, {Address: " "}},
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, m.Recipients())
}

func TestParseNonMIME(t *testing.T) {
	msg, err := remote.ParseMessage([]byte("just some text"))
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "just some text")
	assert.Empty(t, msg.Attachments)
}

func smtpConfig(endpoint mailbox.Endpoint, password string) mailbox.Config {
	return mailbox.Config{
		Email:    "sender@example.com",
		Password: password,
		IMAP:     mailbox.Endpoint{Host: "127.0.0.1", Port: 1, Security: mailbox.SecurityNone},
		SMTP:     endpoint,
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	srv := mailtest.StartSMTP(t, "sender@example.com", "pw")
	sender := remote.NewSMTPSender(discardLogger())
	cfg := smtpConfig(srv.Endpoint(), "pw")

	raw := mailtest.Message("sender@example.com", "rcpt@example.com", "hello", "body")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sender.Verify(ctx, cfg))
	require.NoError(t, sender.Send(ctx, cfg, "sender@example.com", []string{"rcpt@example.com"}, raw))
	require.True(t, srv.WaitDelivery(5*time.Second))

	deliveries := srv.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "sender@example.com", deliveries[0].From)
	assert.Equal(t, []string{"rcpt@example.com"}, deliveries[0].To)
	assert.Contains(t, string(deliveries[0].Raw), "Subject: hello")
}

func TestSMTPSenderStartTLS(t *testing.T) {
	srv := mailtest.StartSMTPStartTLS(t, "sender@example.com", "pw")
	sender := remote.NewSMTPSender(discardLogger())
	sender.InsecureSkipVerify = true
	cfg := smtpConfig(srv.Endpoint(), "pw")
	require.Equal(t, mailbox.SecurityStartTLS, cfg.SMTP.Security)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw := mailtest.Message("sender@example.com", "rcpt@example.com", "over tls", "body")
	require.NoError(t, sender.Send(ctx, cfg, "sender@example.com", []string{"rcpt@example.com"}, raw))
	require.True(t, srv.WaitDelivery(5*time.Second))

	deliveries := srv.Deliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].TLS)
	assert.Equal(t, []string{"rcpt@example.com"}, deliveries[0].To)
}

func TestSMTPSenderStartTLSVerifiesCertificate(t *testing.T) {
	srv := mailtest.StartSMTPStartTLS(t, "sender@example.com", "pw")
	sender := remote.NewSMTPSender(discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sender.Verify(ctx, smtpConfig(srv.Endpoint(), "pw"))
	require.Error(t, err)
	assert.Equal(t, mailbox.KindUnreachable, remote.MailboxKind(err))
	assert.Empty(t, srv.Deliveries())
}

func TestSMTPSenderRejectedCredentials(t *testing.T) {
	srv := mailtest.StartSMTP(t, "sender@example.com", "pw")
	sender := remote.NewSMTPSender(discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sender.Verify(ctx, smtpConfig(srv.Endpoint(), "wrong"))
	require.Error(t, err)
	assert.True(t, remote.IsAuth(err), "got %v", err)
	assert.Equal(t, mailbox.KindUnauthenticated, remote.MailboxKind(err))
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(l.Addr().String())
	require.NoError(t, l.Close())
	p, _ := strconv.Atoi(port)
	return p
}

func TestUnreachableEndpoints(t *testing.T) {
	port := closedPort(t)
	cfg := mailbox.Config{
		Email:    "user@example.com",
		Password: "pw",
		IMAP:     mailbox.Endpoint{Host: "127.0.0.1", Port: port, Security: mailbox.SecurityNone},
		SMTP:     mailbox.Endpoint{Host: "127.0.0.1", Port: port, Security: mailbox.SecurityNone},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := remote.NewIMAPDialer(discardLogger()).Dial(ctx, cfg)
	require.Error(t, err)
	e, ok := remote.AsError(err)
	require.True(t, ok)
	assert.Equal(t, remote.KindConnection, e.Kind)
	assert.Equal(t, mailbox.KindUnreachable, remote.MailboxKind(err))

	err = remote.NewSMTPSender(discardLogger()).Verify(ctx, cfg)
	require.Error(t, err)
	assert.Equal(t, mailbox.KindUnreachable, remote.MailboxKind(err))
}

func TestMailboxKind(t *testing.T) {
	cases := []struct {
		err  error
		want mailbox.Kind
	}{
		{&remote.Error{Op: "x", Kind: remote.KindConnection, Err: io.EOF}, mailbox.KindUnreachable},
		{&remote.Error{Op: "x", Kind: remote.KindAuth, Err: io.EOF}, mailbox.KindUnauthenticated},
		{&remote.Error{Op: "x", Kind: remote.KindProtocol, Err: io.EOF}, mailbox.KindProtocolTransient},
		{&remote.Error{Op: "x", Kind: remote.KindTimeout, Err: io.EOF}, mailbox.KindProtocolTransient},
		{fmt.Errorf("fetch: %w", &remote.Error{Op: "x", Kind: remote.KindProtocol, Err: remote.ErrNoSuchMessage}), mailbox.KindNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, remote.MailboxKind(tc.err), tc.err.Error())
	}

	wrapped := remote.Wrap("list", cases[0].err)
	assert.True(t, errors.Is(wrapped, mailbox.ErrUnreachable))
	assert.True(t, strings.HasPrefix(wrapped.Error(), "list:"))
}

func TestDialFailure(t *testing.T) {
	assert.NoError(t, remote.DialFailure("imap connect", nil))

	err := remote.DialFailure("imap connect", io.ErrUnexpectedEOF)
	e, ok := remote.AsError(err)
	require.True(t, ok)
	assert.Equal(t, remote.KindConnection, e.Kind)
	assert.Equal(t, mailbox.KindUnreachable, remote.MailboxKind(err))

	err = remote.DialFailure("imap connect", errors.New("no route"))
	assert.Equal(t, mailbox.KindUnreachable, remote.MailboxKind(err))

	err = remote.DialFailure("imap connect", context.DeadlineExceeded)
	assert.Equal(t, mailbox.KindProtocolTransient, remote.MailboxKind(err))

	auth := &remote.Error{Op: "imap login", Kind: remote.KindAuth, Err: io.EOF}
	assert.Same(t, auth, remote.DialFailure("imap connect", auth))
}
