// Package remote talks to the mailbox provider: IMAP for reading and folder
// maintenance, SMTP for sending. Every failure is reported as an *Error
// carrying one of four kinds so the core can decide whether to retry.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.io/infrasutra/mailbridge/internal/mailbox"
)

// Dialer opens an authenticated IMAP connection for one mailbox.
type Dialer interface {
	Dial(ctx context.Context, cfg mailbox.Config) (Client, error)
}

// Client is one logged-in IMAP connection. It is not safe for concurrent use;
// callers dial one client per goroutine.
type Client interface {
	ListFolders(ctx context.Context) ([]mailbox.Folder, error)
	Status(ctx context.Context, folder string) (mailbox.FolderStatus, error)
	// ListFolder returns every UID in folder together with its flags.
	ListFolder(ctx context.Context, folder string) (mailbox.Listing, error)
	FetchHeaders(ctx context.Context, folder string, uids []mailbox.UID) ([]mailbox.Envelope, error)
	FetchBody(ctx context.Context, folder string, uid mailbox.UID) (*mailbox.Message, error)
	Search(ctx context.Context, folder string, query Query) ([]mailbox.UID, error)
	SetFlags(ctx context.Context, folder string, uids []mailbox.UID, flags []string, add bool) error
	Append(ctx context.Context, folder string, raw []byte, flags []string) error
	Move(ctx context.Context, folder string, uids []mailbox.UID, dest string) error
	// Delete flags uids as \Deleted and expunges exactly those UIDs.
	Delete(ctx context.Context, folder string, uids []mailbox.UID) error
	Close() error
}

// Sender delivers composed messages over SMTP.
type Sender interface {
	Send(ctx context.Context, cfg mailbox.Config, from string, rcpts []string, raw []byte) error
	// Verify connects and authenticates without sending anything.
	Verify(ctx context.Context, cfg mailbox.Config) error
}

// Query narrows a folder search. Empty fields are ignored.
type Query struct {
	Text       string
	From       string
	Subject    string
	UnreadOnly bool
}

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindAuth       ErrorKind = "auth"
	KindProtocol   ErrorKind = "protocol"
	KindTimeout    ErrorKind = "timeout"
)

// Error is returned by every adapter operation.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoSuchMessage is wrapped by FetchBody when the UID does not exist.
var ErrNoSuchMessage = errors.New("no such message")

// AsError returns the adapter error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindAuth
}

// MailboxKind maps an adapter failure to the error taxonomy used by callers.
func MailboxKind(err error) mailbox.Kind {
	if errors.Is(err, ErrNoSuchMessage) {
		return mailbox.KindNotFound
	}
	e, ok := AsError(err)
	if !ok {
		return mailbox.KindOf(err)
	}
	switch e.Kind {
	case KindConnection:
		return mailbox.KindUnreachable
	case KindAuth:
		return mailbox.KindUnauthenticated
	default:
		return mailbox.KindProtocolTransient
	}
}

// Wrap converts err into a *mailbox.Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mailbox.Error
	if errors.As(err, &me) {
		return err
	}
	return mailbox.E(MailboxKind(err), op, err)
}

// DialFailure classifies an error returned by Dialer.Dial. A connection
// that was never established is unreachable unless it ran out of time.
func DialFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{Op: op, Kind: dialKind(err), Err: err}
}

func authError(op string, err error) error {
	return &Error{Op: op, Kind: KindAuth, Err: err}
}

// classify wraps err with the kind inferred from its cause. Errors already
// classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, ErrNoSuchMessage) {
		return &Error{Op: op, Kind: KindProtocol, Err: err}
	}
	return &Error{Op: op, Kind: kindOf(err), Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return KindConnection
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindConnection
	}
	return KindProtocol
}

// watch closes c when ctx is done so a blocked protocol call returns.
// The returned func stops the watch.
func watch(ctx context.Context, c io.Closer) func() bool {
	return context.AfterFunc(ctx, func() { _ = c.Close() })
}

// ctxErr prefers the context's error over err when ctx ended the call.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && err != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return err
}
